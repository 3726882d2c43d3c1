// Package contacts defines the engine's view of the external contact store:
// read-only lookups for targeting and suppression checks, plus the tag
// writer used by sequence tag steps.
package contacts

import (
	"context"
	"errors"

	"github.com/ignite/coldreach/internal/domain"
)

// ErrNotFound is returned when a contact does not exist (or was deleted).
var ErrNotFound = errors.New("contact not found")

// Directory answers membership and contact lookups.
type Directory interface {
	GetContact(ctx context.Context, orgID, id string) (*domain.Contact, error)
	// ListMembers returns the contacts on a list.
	ListMembers(ctx context.Context, orgID, listID string) ([]domain.Contact, error)
	// TagMembers returns the contacts carrying a tag.
	TagMembers(ctx context.Context, orgID, tag string) ([]domain.Contact, error)
}

// Tagger mutates contact tags.
type Tagger interface {
	AddTag(ctx context.Context, orgID, contactID, tag string) error
	RemoveTag(ctx context.Context, orgID, contactID, tag string) error
}
