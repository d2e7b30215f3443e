package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// Receipt is the outcome of an executed transaction.
type Receipt struct {
	TxHash        string
	VMState       string
	Exception     string
	GasConsumed   string
	Stack         []StackItem
	Notifications []Notification
}

// ReceiptFromLog flattens the Application trigger execution of log.
func ReceiptFromLog(log *ApplicationLog) *Receipt {
	r := &Receipt{TxHash: NormalizeTxHash(log.TxHash)}
	for _, exec := range log.Executions {
		if exec.Trigger != "" && !strings.EqualFold(exec.Trigger, "Application") {
			continue
		}
		r.VMState = exec.VMState
		r.Exception = exec.Exception
		r.GasConsumed = exec.GasConsumed
		r.Stack = exec.Stack
		r.Notifications = exec.Notifications
		break
	}
	return r
}

// Succeeded reports whether the transaction halted normally.
func (r *Receipt) Succeeded() bool {
	return r.VMState == VMStateHalt
}

// Events returns the notifications named name, optionally filtered by emitter.
func (r *Receipt) Events(name string, emitter *util.Uint160) []Notification {
	var out []Notification
	for _, n := range r.Notifications {
		if n.EventName != name {
			continue
		}
		if emitter != nil {
			h, err := ParseHash160(n.Contract)
			if err != nil || !h.Equals(*emitter) {
				continue
			}
		}
		out = append(out, n)
	}
	return out
}

// Transfer is a decoded NEP-17 Transfer notification.
type Transfer struct {
	Token  util.Uint160
	From   util.Uint160
	To     util.Uint160
	Amount *big.Int
}

// Transfers decodes every NEP-17 Transfer notification in the receipt.
// Malformed notifications are skipped.
func (r *Receipt) Transfers() []Transfer {
	var out []Transfer
	for _, n := range r.Events("Transfer", nil) {
		t, err := ParseTransfer(n)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// ParseTransfer decodes Transfer(from, to, amount).
func ParseTransfer(n Notification) (*Transfer, error) {
	token, err := ParseHash160(n.Contract)
	if err != nil {
		return nil, err
	}
	state, err := ParseArray(n.State)
	if err != nil {
		return nil, err
	}
	if len(state) != 3 {
		return nil, fmt.Errorf("invalid Transfer event: expected 3 items, got %d", len(state))
	}
	from, err := ParseHash160Item(state[0])
	if err != nil {
		return nil, fmt.Errorf("parse from: %w", err)
	}
	to, err := ParseHash160Item(state[1])
	if err != nil {
		return nil, fmt.Errorf("parse to: %w", err)
	}
	amount, err := ParseInteger(state[2])
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &Transfer{Token: token, From: from, To: to, Amount: amount}, nil
}
