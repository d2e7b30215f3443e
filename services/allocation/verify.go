package allocation

import (
	"fmt"
	"math/big"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/errors"
)

// verifyTransfer requires a successful receipt carrying a NEP-17 transfer of
// the vault's token into the vault for exactly amount. Every failure is final
// for this transaction hash.
func verifyTransfer(receipt *chain.Receipt, vault *chain.VaultInfo, amount *big.Int) error {
	if !receipt.Succeeded() {
		return errors.TransferMismatch(fmt.Sprintf("transaction ended in %s: %s", receipt.VMState, receipt.Exception))
	}
	token, err := chain.ParseHash160(vault.Token)
	if err != nil {
		return errors.Internal("vault token misconfigured", err)
	}
	dest, err := chain.ParseHash160(vault.Address)
	if err != nil {
		return errors.Internal("vault address misconfigured", err)
	}

	var seen []string
	for _, t := range receipt.Transfers() {
		if !t.Token.Equals(token) || !t.To.Equals(dest) {
			continue
		}
		if t.Amount.Cmp(amount) == 0 {
			return nil
		}
		seen = append(seen, t.Amount.String())
	}
	if len(seen) == 0 {
		return errors.TransferMismatch(fmt.Sprintf("no %s transfer to vault %s in transaction", vault.Asset, vault.Address)).
			WithDetails("tx_hash", receipt.TxHash)
	}
	return errors.TransferMismatch(fmt.Sprintf("transferred amount %v does not equal requested %s", seen, amount)).
		WithDetails("tx_hash", receipt.TxHash)
}
