// Package wallet validates and formats the wallet addresses that key
// lending accounts.
package wallet

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned for anything that is not a 20-byte hex
// address.
var ErrInvalidAddress = errors.New("wallet: invalid address")

// Normalize validates addr and returns its canonical key form: lower-case,
// 0x-prefixed. Checksummed and plain spellings of the same address map to the
// same account.
func Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// Checksum returns the EIP-55 mixed-case spelling of addr.
func Checksum(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	return common.HexToAddress(addr).Hex(), nil
}

// Short abbreviates an address for display: 0x1234...5678.
func Short(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
