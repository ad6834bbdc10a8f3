package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail("alice@example.com"))
	for _, bad := range []string{"", "alice", "Alice <alice@example.com>", "a@b@c", strings.Repeat("a", 250) + "@x.io"} {
		assert.Error(t, ValidateEmail(bad), bad)
	}
}

func TestValidateIPAddress(t *testing.T) {
	assert.NoError(t, ValidateIPAddress("203.0.113.7"))
	assert.NoError(t, ValidateIPAddress("2001:db8::1"))
	assert.Error(t, ValidateIPAddress(""))
	assert.Error(t, ValidateIPAddress("unknown"))
	assert.Error(t, ValidateIPAddress("10.0.0.1:8080"))
}

func TestSanitizeForLog(t *testing.T) {
	assert.Equal(t, "curl/8.0injected", SanitizeForLog("curl/8.0\r\ninjected"))
	long := SanitizeForLog(strings.Repeat("x", 300))
	assert.Len(t, long, 259)
	assert.True(t, strings.HasSuffix(long, "..."))
}
