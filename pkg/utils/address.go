package utils

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	amountPattern  = regexp.MustCompile(`^\d+\.?\d*$`)
)

// GenerateID returns a new random payment identifier.
func GenerateID() string {
	return uuid.NewString()
}

// IsValidAddress checks for a 0x-prefixed 20 byte hex address.
func IsValidAddress(address string) bool {
	return addressPattern.MatchString(address)
}

// IsValidTxHash checks for a 0x-prefixed 32 byte hex hash.
func IsValidTxHash(hash string) bool {
	return txHashPattern.MatchString(hash)
}

// IsValidAmount checks for a non-negative decimal literal such as "100" or "12.5".
func IsValidAmount(amount string) bool {
	return amountPattern.MatchString(amount)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// ToAddress converts a hex string into a go-ethereum address.
func ToAddress(address string) common.Address {
	return common.HexToAddress(address)
}
