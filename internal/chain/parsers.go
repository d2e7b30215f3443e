package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// =============================================================================
// Stack Item Parsers
// =============================================================================

// ParseArray extracts an array of StackItems from a parent StackItem.
func ParseArray(item StackItem) ([]StackItem, error) {
	if item.Type != "Array" && item.Type != "Struct" {
		return nil, fmt.Errorf("expected Array or Struct, got %s", item.Type)
	}

	var items []StackItem
	if err := json.Unmarshal(item.Value, &items); err != nil {
		return nil, fmt.Errorf("unmarshal array: %w", err)
	}
	return items, nil
}

// ParseByteArray decodes a base64 ByteString or Buffer.
func ParseByteArray(item StackItem) ([]byte, error) {
	switch item.Type {
	case "ByteString", "Buffer":
		var value string
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return nil, fmt.Errorf("parse bytes: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("parse bytes: %w", err)
		}
		return b, nil
	case "Any", "Null":
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected type: %s", item.Type)
}

// ParseHash160Item decodes a 20-byte script hash. A null item yields the zero hash.
func ParseHash160Item(item StackItem) (util.Uint160, error) {
	b, err := ParseByteArray(item)
	if err != nil {
		return util.Uint160{}, err
	}
	if b == nil {
		return util.Uint160{}, nil
	}
	u, err := util.Uint160DecodeBytesBE(b)
	if err != nil {
		return util.Uint160{}, fmt.Errorf("parse hash160: %w", err)
	}
	return u, nil
}

// ParseInteger decodes an Integer. ByteString integers (little-endian two's
// complement) are accepted as some contracts store amounts that way.
func ParseInteger(item StackItem) (*big.Int, error) {
	switch item.Type {
	case "Integer":
		var value string
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return nil, fmt.Errorf("parse integer: %w", err)
		}
		n, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("parse integer: invalid value %q", value)
		}
		return n, nil
	case "ByteString", "Buffer":
		b, err := ParseByteArray(item)
		if err != nil {
			return nil, err
		}
		return bytesToInt(b), nil
	case "Any", "Null":
		return new(big.Int), nil
	}
	return nil, fmt.Errorf("unexpected type: %s", item.Type)
}

// ParseBoolean decodes a Boolean or Integer used as a flag.
func ParseBoolean(item StackItem) (bool, error) {
	switch item.Type {
	case "Boolean":
		var value bool
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return false, fmt.Errorf("parse boolean: %w", err)
		}
		return value, nil
	case "Integer":
		n, err := ParseInteger(item)
		if err != nil {
			return false, err
		}
		return n.Sign() != 0, nil
	}
	return false, fmt.Errorf("unexpected type: %s", item.Type)
}

// ParseStringFromItem decodes a UTF-8 ByteString.
func ParseStringFromItem(item StackItem) (string, error) {
	b, err := ParseByteArray(item)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// bytesToInt decodes Neo VM little-endian two's complement integers.
func bytesToInt(b []byte) *big.Int {
	if len(b) == 0 {
		return new(big.Int)
	}
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	n := new(big.Int).SetBytes(be)
	if b[len(b)-1]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return n
}

// firstStackItem returns the single return value of an invocation.
func firstStackItem(stack []StackItem, method string) (StackItem, error) {
	if len(stack) == 0 {
		return StackItem{}, fmt.Errorf("%s: %w: empty stack", method, ErrUnexpectedResult)
	}
	return stack[0], nil
}
