package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

func newTestVault(t *testing.T) (*AESVault, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	v, err := NewAESVault(st, VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	return v, st
}

func TestVaultRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "org-1", "API_KEY", []byte("sk-12345")))

	got, err := v.Resolve(ctx, "org-1", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-12345", string(got))
}

func TestVaultEncryptsAtRest(t *testing.T) {
	v, st := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "org-1", "API_KEY", []byte("sk-12345")))

	raw, err := st.GetSecret(ctx, "org-1", "API_KEY")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-12345")
}

func TestVaultOrgIsolation(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "org-1", "API_KEY", []byte("one")))
	require.NoError(t, v.Store(ctx, "org-2", "API_KEY", []byte("two")))

	got, err := v.Resolve(ctx, "org-2", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	_, err = v.Resolve(ctx, "org-3", "API_KEY")
	require.Error(t, err)
}

func TestVaultMissingKey(t *testing.T) {
	v, _ := newTestVault(t)

	_, err := v.Resolve(context.Background(), "org-1", "NOPE")
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestVaultDeleteAndList(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "org-1", "B_KEY", []byte("b")))
	require.NoError(t, v.Store(ctx, "org-1", "A_KEY", []byte("a")))

	keys, err := v.List(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A_KEY", "B_KEY"}, keys)

	require.NoError(t, v.Delete(ctx, "org-1", "A_KEY"))
	keys, err = v.List(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"B_KEY"}, keys)
}

func TestVaultPassphraseDerivation(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	v1, err := NewAESVault(st, VaultConfig{Passphrase: "hunter2", Salt: []byte("loom-salt")})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "org-1", "TOKEN", []byte("t-1")))

	// Same passphrase and salt decrypts what the first vault wrote.
	v2, err := NewAESVault(st, VaultConfig{Passphrase: "hunter2", Salt: []byte("loom-salt")})
	require.NoError(t, err)
	got, err := v2.Resolve(ctx, "org-1", "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "t-1", string(got))

	// A different passphrase does not.
	v3, err := NewAESVault(st, VaultConfig{Passphrase: "wrong", Salt: []byte("loom-salt")})
	require.NoError(t, err)
	_, err = v3.Resolve(ctx, "org-1", "TOKEN")
	require.Error(t, err)
}

func TestVaultConfigValidation(t *testing.T) {
	st := store.NewMemoryStore()

	_, err := NewAESVault(st, VaultConfig{})
	require.Error(t, err)

	_, err = NewAESVault(st, VaultConfig{MasterKey: []byte("short")})
	require.Error(t, err)

	_, err = NewAESVault(st, VaultConfig{Passphrase: "p"})
	require.Error(t, err) // missing salt
}
