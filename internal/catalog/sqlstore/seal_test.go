package sqlstore

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSealer(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	ts, err := NewTokenSealer(key)
	require.NoError(t, err)

	sealed, err := ts.Seal("ghp_secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))

	plain, err := ts.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", plain)

	other, err := NewTokenSealer(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 32))))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err, "wrong key")

	var none *TokenSealer
	_, err = none.Open(sealed)
	assert.Error(t, err, "sealed value without a key")
}

func TestTokenSealerPlaintextPassthrough(t *testing.T) {
	ts, err := NewTokenSealer("")
	require.NoError(t, err)
	assert.Nil(t, ts)

	stored, err := ts.Seal("ghp_plain")
	require.NoError(t, err)
	assert.Equal(t, "ghp_plain", stored)

	plain, err := ts.Open("ghp_plain")
	require.NoError(t, err)
	assert.Equal(t, "ghp_plain", plain)
}

func TestNewTokenSealerRejectsShortKeys(t *testing.T) {
	_, err := NewTokenSealer("abcd")
	assert.Error(t, err)
}
