package secrets

import "context"

// Vault stores and resolves per-organization secrets referenced from
// workflow definitions as ${{secrets.KEY}}. Values are encrypted at
// rest and decrypted in-memory only; they never appear in run history
// or scope snapshots.
type Vault interface {
	Resolve(ctx context.Context, orgID, key string) ([]byte, error)
	Store(ctx context.Context, orgID, key string, value []byte) error
	Delete(ctx context.Context, orgID, key string) error
	List(ctx context.Context, orgID string) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	PutSecret(ctx context.Context, orgID, key string, value []byte) error
	GetSecret(ctx context.Context, orgID, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, orgID, key string) error
	ListSecretKeys(ctx context.Context, orgID string) ([]string, error)
}
