package chain

import (
	"fmt"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
)

// Account is the relayer account that signs on-behalf invocations and payouts.
type Account struct {
	account *wallet.Account
}

// NewAccount loads a private key given as hex or WIF.
func NewAccount(privateKey string) (*Account, error) {
	privateKey = strings.TrimSpace(privateKey)
	if privateKey == "" {
		return nil, fmt.Errorf("signer private key required")
	}

	var (
		key *keys.PrivateKey
		err error
	)
	if len(privateKey) == 52 && (privateKey[0] == 'K' || privateKey[0] == 'L') {
		key, err = keys.NewPrivateKeyFromWIF(privateKey)
	} else {
		key, err = keys.NewPrivateKeyFromHex(strings.TrimPrefix(privateKey, "0x"))
	}
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}

	return &Account{account: wallet.NewAccountFromPrivateKey(key)}, nil
}

// ScriptHash returns the account script hash.
func (a *Account) ScriptHash() util.Uint160 {
	return a.account.ScriptHash()
}

// Address returns the account's Neo address.
func (a *Account) Address() string {
	return a.account.Address
}

func (a *Account) rpcSigner() Signer {
	return Signer{Account: "0x" + a.ScriptHash().StringLE(), Scopes: transaction.CalledByEntry.String()}
}

func (a *Account) txSigner() transaction.Signer {
	return transaction.Signer{Account: a.ScriptHash(), Scopes: transaction.CalledByEntry}
}

func (a *Account) verificationScript() []byte {
	return a.account.Contract.Script
}

func (a *Account) sign(magic uint32, tx *transaction.Transaction) error {
	return a.account.SignTx(netmode.Magic(magic), tx)
}

// =============================================================================
// Hash helpers
// =============================================================================

// ParseHash160 accepts a Neo address or a 0x-prefixed script hash.
func ParseHash160(s string) (util.Uint160, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "N") && len(s) == 34 {
		u, err := address.StringToUint160(s)
		if err != nil {
			return util.Uint160{}, fmt.Errorf("parse address %s: %w", s, err)
		}
		return u, nil
	}
	u, err := util.Uint160DecodeStringLE(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil {
		return util.Uint160{}, fmt.Errorf("parse script hash %s: %w", s, err)
	}
	return u, nil
}

// ParseTxHash parses a 0x-prefixed transaction hash.
func ParseTxHash(s string) (util.Uint256, error) {
	u, err := util.Uint256DecodeStringLE(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"))
	if err != nil {
		return util.Uint256{}, fmt.Errorf("parse tx hash %s: %w", s, err)
	}
	return u, nil
}

// HashString renders a script hash in the canonical 0x form used for comparisons.
func HashString(u util.Uint160) string {
	return "0x" + u.StringLE()
}

// NormalizeHash160 renders an address or script hash in canonical 0x form.
func NormalizeHash160(s string) (string, error) {
	u, err := ParseHash160(s)
	if err != nil {
		return "", err
	}
	return HashString(u), nil
}

// AddressOf renders a script hash as a Neo address.
func AddressOf(u util.Uint160) string {
	return address.Uint160ToString(u)
}
