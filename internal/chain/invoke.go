package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/smartcontract"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

// DefaultTxWaitTimeout is the default timeout for waiting for transaction execution.
const DefaultTxWaitTimeout = 2 * time.Minute

// DefaultPollInterval is the default interval for polling transaction status.
const DefaultPollInterval = 2 * time.Second

// =============================================================================
// Contract Invocation Methods
// =============================================================================

// InvokeScript runs a script without persisting it.
func (c *Client) InvokeScript(ctx context.Context, script []byte, signers []Signer) (*InvokeResult, error) {
	args := []interface{}{base64.StdEncoding.EncodeToString(script)}
	if len(signers) > 0 {
		args = append(args, signers)
	}

	result, err := c.Call(ctx, "invokescript", args)
	if err != nil {
		return nil, err
	}

	var invokeResult InvokeResult
	if err := json.Unmarshal(result, &invokeResult); err != nil {
		return nil, fmt.Errorf("parse invoke result: %w", err)
	}
	return &invokeResult, nil
}

// Read calls a safe contract method and returns its stack.
func (c *Client) Read(ctx context.Context, contract util.Uint160, method string, args ...interface{}) ([]StackItem, error) {
	script, err := smartcontract.CreateCallScript(contract, method, args...)
	if err != nil {
		return nil, fmt.Errorf("build %s script: %w", method, err)
	}
	res, err := c.InvokeScript(ctx, script, nil)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", method, err)
	}
	if res.State != VMStateHalt {
		return nil, NewRevertError(method, res.Exception)
	}
	return res.Stack, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, tx *transaction.Transaction) (string, error) {
	result, err := c.Call(ctx, "sendrawtransaction", []interface{}{base64.StdEncoding.EncodeToString(tx.Bytes())})
	if err != nil {
		return "", err
	}

	var response struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(result, &response); err != nil {
		return "", fmt.Errorf("parse send result: %w", err)
	}
	return NormalizeTxHash(response.Hash), nil
}

// WaitForApplicationLog polls for a transaction application log until it is available or context is done.
// A missing transaction is treated as transient and retried until the context deadline/timeout expires.
func (c *Client) WaitForApplicationLog(ctx context.Context, txHash string, pollInterval time.Duration) (*ApplicationLog, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			log, err := c.GetApplicationLog(ctx, txHash)
			if err != nil {
				if isNotFoundError(err) {
					continue
				}
				return nil, err
			}
			return log, nil
		}
	}
}

// WaitForReceipt fetches the receipt of txHash, retrying a fixed number of
// attempts with a fixed delay while the node does not know the transaction.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, attempts int, delay time.Duration) (*Receipt, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		log, err := c.GetApplicationLog(ctx, txHash)
		if err == nil {
			return ReceiptFromLog(log), nil
		}
		if !isNotFoundError(err) {
			return nil, err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%s after %d attempts: %w", txHash, attempts, ErrNotFound)
}

// =============================================================================
// Signed Invocations
// =============================================================================

// PreparedTx is a signed transaction that passed a test invocation.
type PreparedTx struct {
	Method     string
	Tx         *transaction.Transaction
	Hash       string
	SystemFee  int64
	NetworkFee int64
	// ValidUntilBlock is the last block that may include the transaction.
	ValidUntilBlock uint32
	// DryRun is the stack returned by the test invocation.
	DryRun []StackItem
}

// TotalFee is the GAS the sender pays for the transaction.
func (p *PreparedTx) TotalFee() int64 {
	return p.SystemFee + p.NetworkFee
}

// InvokeOptions tunes transaction building.
type InvokeOptions struct {
	// GasPadPercent pads the test invocation gas estimate.
	GasPadPercent int64
	// ValidBlocks is the validity window of the transaction.
	ValidBlocks uint32
	// PollInterval is used while waiting for the application log.
	PollInterval time.Duration
}

// Prepare dry-runs the call as account, then builds and signs the transaction.
// A FAULT in the dry run is returned as a classified *RevertError.
func (c *Client) Prepare(ctx context.Context, account *Account, contract util.Uint160, method string, opts InvokeOptions, args ...interface{}) (*PreparedTx, error) {
	script, err := smartcontract.CreateCallScript(contract, method, args...)
	if err != nil {
		return nil, fmt.Errorf("build %s script: %w", method, err)
	}

	res, err := c.InvokeScript(ctx, script, []Signer{account.rpcSigner()})
	if err != nil {
		return nil, fmt.Errorf("test invoke %s: %w", method, err)
	}
	if res.State != VMStateHalt {
		return nil, NewRevertError(method, res.Exception)
	}

	gas, err := strconv.ParseInt(res.GasConsumed, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s gas estimate %q: %w", method, res.GasConsumed, err)
	}
	if opts.GasPadPercent > 0 {
		gas += gas * opts.GasPadPercent / 100
	}

	height, err := c.GetBlockCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block count: %w", err)
	}
	validBlocks := opts.ValidBlocks
	if validBlocks == 0 {
		validBlocks = 100
	}

	tx := transaction.New(script, gas)
	tx.ValidUntilBlock = height + validBlocks
	tx.Signers = []transaction.Signer{account.txSigner()}
	tx.Scripts = []transaction.Witness{{VerificationScript: account.verificationScript()}}

	netFee, err := c.CalculateNetworkFee(ctx, base64.StdEncoding.EncodeToString(tx.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("calculate network fee: %w", err)
	}
	tx.NetworkFee = netFee

	if err := account.sign(c.networkID, tx); err != nil {
		return nil, fmt.Errorf("sign %s: %w", method, err)
	}

	return &PreparedTx{
		Method:          method,
		Tx:              tx,
		Hash:            NormalizeTxHash(tx.Hash().StringLE()),
		SystemFee:       gas,
		NetworkFee:      netFee,
		ValidUntilBlock: tx.ValidUntilBlock,
		DryRun:          res.Stack,
	}, nil
}

// Submit broadcasts a prepared transaction and waits for its execution.
// A FAULT execution is returned as a classified *RevertError together with the receipt.
func (c *Client) Submit(ctx context.Context, p *PreparedTx, pollInterval time.Duration) (*Receipt, error) {
	hash, err := c.SendRawTransaction(ctx, p.Tx)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", p.Method, err)
	}

	log, err := c.WaitForApplicationLog(ctx, hash, pollInterval)
	if err != nil {
		return nil, fmt.Errorf("wait for %s execution: %w", p.Method, err)
	}

	receipt := ReceiptFromLog(log)
	if receipt.VMState != VMStateHalt {
		return receipt, NewRevertError(p.Method, receipt.Exception)
	}
	return receipt, nil
}

// Invoke prepares and submits a state changing call.
func (c *Client) Invoke(ctx context.Context, account *Account, contract util.Uint160, method string, opts InvokeOptions, args ...interface{}) (*Receipt, error) {
	p, err := c.Prepare(ctx, account, contract, method, opts, args...)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, p, opts.PollInterval)
}
