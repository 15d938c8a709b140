package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrefersPlainValue(t *testing.T) {
	got, err := Resolve(nil, "secret", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}

func TestResolveRequiresKey(t *testing.T) {
	_, err := Resolve(nil, "", "")
	require.Error(t, err)

	_, err = Resolve(nil, "", "imap/me@example.com")
	require.Error(t, err)
}

func TestResolveFromKeyring(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{{Key: "imap/me@example.com", Data: []byte("app-password")}})
	store := &Store{ring: ring}

	got, err := Resolve(store, "", "imap/me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "app-password", got)

	_, err = Resolve(store, "", "imap/other@example.com")
	require.Error(t, err)
}
