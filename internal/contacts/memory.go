package contacts

import (
	"context"
	"sort"
	"sync"

	"github.com/ignite/coldreach/internal/domain"
)

// MemoryDirectory is an in-process Directory and Tagger used by tests and
// the standalone server.
type MemoryDirectory struct {
	mu       sync.RWMutex
	contacts map[string]*domain.Contact
}

// NewMemoryDirectory returns a directory preloaded with cs.
func NewMemoryDirectory(cs ...domain.Contact) *MemoryDirectory {
	d := &MemoryDirectory{contacts: make(map[string]*domain.Contact)}
	for _, c := range cs {
		d.Put(c)
	}
	return d
}

func clone(c *domain.Contact) domain.Contact {
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	out.ListIDs = append([]string(nil), c.ListIDs...)
	if c.CustomFields != nil {
		out.CustomFields = make(map[string]string, len(c.CustomFields))
		for k, v := range c.CustomFields {
			out.CustomFields[k] = v
		}
	}
	return out
}

// Put inserts or replaces a contact.
func (d *MemoryDirectory) Put(c domain.Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := clone(&c)
	d.contacts[c.ID] = &cp
}

// Delete removes a contact.
func (d *MemoryDirectory) Delete(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.contacts, id)
}

// SetStatus changes a contact's deliverability status.
func (d *MemoryDirectory) SetStatus(id string, s domain.ContactStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.contacts[id]; ok {
		c.Status = s
	}
}

func (d *MemoryDirectory) GetContact(_ context.Context, orgID, id string) (*domain.Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[id]
	if !ok || (orgID != "" && c.OrganizationID != orgID) {
		return nil, ErrNotFound
	}
	cp := clone(c)
	return &cp, nil
}

func (d *MemoryDirectory) members(orgID string, match func(*domain.Contact) bool) []domain.Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []domain.Contact
	for _, c := range d.contacts {
		if c.OrganizationID == orgID && match(c) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *MemoryDirectory) ListMembers(_ context.Context, orgID, listID string) ([]domain.Contact, error) {
	return d.members(orgID, func(c *domain.Contact) bool {
		for _, l := range c.ListIDs {
			if l == listID {
				return true
			}
		}
		return false
	}), nil
}

func (d *MemoryDirectory) TagMembers(_ context.Context, orgID, tag string) ([]domain.Contact, error) {
	return d.members(orgID, func(c *domain.Contact) bool { return c.HasTag(tag) }), nil
}

func (d *MemoryDirectory) AddTag(_ context.Context, orgID, contactID, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[contactID]
	if !ok || c.OrganizationID != orgID {
		return ErrNotFound
	}
	if !c.HasTag(tag) {
		c.Tags = append(c.Tags, tag)
	}
	return nil
}

func (d *MemoryDirectory) RemoveTag(_ context.Context, orgID, contactID, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[contactID]
	if !ok || c.OrganizationID != orgID {
		return ErrNotFound
	}
	kept := c.Tags[:0]
	for _, t := range c.Tags {
		if t != tag {
			kept = append(kept, t)
		}
	}
	c.Tags = kept
	return nil
}
