package mds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataURI(t *testing.T) {
	t.Run("absolute URL", func(t *testing.T) {
		u, err := ParseDataURI([]byte("https://chunks.memfault.com/api/v0/chunks/DEMO"))

		require.NoError(t, err)
		assert.Equal(t, "chunks.memfault.com", u.Host)
		assert.Equal(t, "/api/v0/chunks/DEMO", u.Path)
	})

	t.Run("surrounding whitespace is trimmed", func(t *testing.T) {
		u, err := ParseDataURI([]byte("  https://chunks.memfault.com/api/v0/chunks/DEMO\n"))

		require.NoError(t, err)
		assert.Equal(t, "chunks.memfault.com", u.Host)
	})

	t.Run("rejects relative and empty values", func(t *testing.T) {
		for _, raw := range []string{"", "   ", "/api/v0/chunks/DEMO", "chunks.memfault.com/api"} {
			_, err := ParseDataURI([]byte(raw))
			assert.Error(t, err, "value %q MUST be rejected", raw)
		}
	})
}

func TestParseAuth(t *testing.T) {
	t.Run("splits on the first colon only", func(t *testing.T) {
		key, value, err := ParseAuth([]byte("Memfault-Project-Key:abc:123"))

		require.NoError(t, err)
		assert.Equal(t, "Memfault-Project-Key", key)
		assert.Equal(t, "abc:123", value, "the header value MUST keep colons past the first")
	})

	t.Run("empty value is allowed", func(t *testing.T) {
		key, value, err := ParseAuth([]byte("X-Key:"))

		require.NoError(t, err)
		assert.Equal(t, "X-Key", key)
		assert.Empty(t, value)
	})

	t.Run("rejects missing colon and empty key", func(t *testing.T) {
		for _, raw := range []string{"", "no-colon-here", ":value-without-key"} {
			_, _, err := ParseAuth([]byte(raw))
			assert.Error(t, err, "value %q MUST be rejected", raw)
		}
	})
}
