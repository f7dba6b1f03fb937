package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorCodes(t *testing.T) {
	err := NewAppError(ErrCodeBlockchain, "Failed to read state", "timeout")
	assert.Equal(t, "BLOCKCHAIN_ERROR: Failed to read state (timeout)", err.Error())
	assert.NotEmpty(t, err.File)

	wrapped := fmt.Errorf("poll: %w", err)
	assert.True(t, IsCode(wrapped, ErrCodeBlockchain))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(NewAppError(ErrCodeNotFound, "Payment not found")))
	assert.False(t, IsCode(nil, ErrCodeNotFound))
	assert.Equal(t, "", ErrorCode(fmt.Errorf("plain")))
}

func TestValidators(t *testing.T) {
	assert.True(t, IsValidAddress("0xD74f5255D557944cf7Dd0E45FF521520002D5748"))
	assert.False(t, IsValidAddress("0xD74f5255D557944cf7Dd0E45FF521520002D574"))
	assert.False(t, IsValidAddress("D74f5255D557944cf7Dd0E45FF521520002D5748"))

	assert.True(t, IsValidTxHash("0x"+"ab"+"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"))
	assert.False(t, IsValidTxHash("0x1234"))

	assert.True(t, IsValidAmount("100"))
	assert.True(t, IsValidAmount("100.25"))
	assert.True(t, IsValidAmount("100."))
	assert.False(t, IsValidAmount("-1"))
	assert.False(t, IsValidAmount("1e18"))
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xd74f5255d557944cf7dd0e45ff521520002d5748",
		NormalizeAddress("0xD74f5255D557944cf7Dd0E45FF521520002D5748"))
	assert.Equal(t, "0xabc", NormalizeAddress("ABC"))
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger("debug", "text", "stdout", ""))
	assert.Equal(t, "debug", GetLogger().GetLevel().String())
	assert.Error(t, InitLogger("loud", "json", "stdout", ""))

	entry := ComponentLogger("monitor")
	assert.Equal(t, "monitor", entry.Data["component"])

	id := GenerateID()
	assert.Len(t, id, 36)
	assert.NotEqual(t, id, GenerateID())
}
