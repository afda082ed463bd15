package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretStore_AllowsConfiguredSecret(t *testing.T) {
	store, err := NewSecretStore([]string{"alpha", "beta"})
	require.NoError(t, err)
	assert.True(t, store.Allowed("alpha"))
	assert.True(t, store.Allowed("beta"))
	assert.False(t, store.Allowed("gamma"))
	assert.False(t, store.Allowed(""))
}

func TestExtractSecret_QueryTakesPrecedence(t *testing.T) {
	assert.Equal(t, "from-query", ExtractSecret("from-query", "from-header"))
	assert.Equal(t, "from-header", ExtractSecret("", "from-header"))
	assert.Equal(t, "", ExtractSecret("", ""))
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "tok123", ExtractBearerToken("Bearer tok123"))
	assert.Equal(t, "", ExtractBearerToken("Basic xyz"))
	assert.Equal(t, "", ExtractBearerToken(""))
}
