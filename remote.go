package fieldsync

import (
	"context"
	"time"
)

// Document is a single record in the remote document store. Fields are an
// opaque key-value map; the engine only interprets UpdatedAt for conflict
// resolution.
type Document struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RemoteStore is the remote document store collaborator: key-value documents
// grouped into named collections. Assumed eventually consistent; no
// cross-document transactions.
type RemoteStore interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Set creates or fully replaces a document.
	Set(ctx context.Context, collection, id string, fields map[string]any) error

	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Query returns documents matching all equality filters.
	Query(ctx context.Context, collection string, filters map[string]any) ([]*Document, error)
}

// IdentityProvider yields the stable identifier of the signed-in user.
// An empty id with nil error means nobody is signed in.
type IdentityProvider interface {
	CurrentUserID(ctx context.Context) (string, error)
}
