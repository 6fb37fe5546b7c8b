package license

import (
	"context"
)

// Store persists licence records.
//
// Update is a compare-and-swap on Version: it succeeds only when the stored
// version equals expectedVersion, writes the record with Version set to
// expectedVersion+1, and otherwise returns an error matching
// ErrConcurrentModification. Get returns an error matching ErrNotFound for
// unknown ids and always hands back a copy the caller may mutate.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record, expectedVersion int64) error
	// ListByProduct returns every record for the product, newest expiry first.
	ListByProduct(ctx context.Context, productID string) ([]*Record, error)
	// ListForSweep returns active and grace records plus revoked records whose
	// revocation has not been confirmed by the remote endpoint.
	ListForSweep(ctx context.Context) ([]*Record, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// RevokeRequest identifies the installation whose access must be withdrawn.
type RevokeRequest struct {
	LicenseID string
	ProductID string
	AppID     string
	SiteID    string
	Token     string
}

// Revoker withdraws access at the remote app store.
type Revoker interface {
	Revoke(ctx context.Context, req RevokeRequest) error
}

// TokenCipher seals access tokens before they are stored.
type TokenCipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Notifier delivers customer-facing licence notices.
type Notifier interface {
	GraceWarning(ctx context.Context, rec *Record) error
}
