package domain

import "time"

// ContactStatus is the deliverability state kept by the contact store.
type ContactStatus string

const (
	ContactActive       ContactStatus = "active"
	ContactUnsubscribed ContactStatus = "unsubscribed"
	ContactBounced      ContactStatus = "bounced"
	ContactComplained   ContactStatus = "complained"
)

// Contact is the read model the engine gets from the contact directory.
type Contact struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Email          string            `json:"email"`
	FirstName      string            `json:"first_name"`
	LastName       string            `json:"last_name"`
	Company        string            `json:"company"`
	Title          string            `json:"title"`
	Status         ContactStatus     `json:"status"`
	Tags           []string          `json:"tags"`
	ListIDs        []string          `json:"list_ids"`
	CustomFields   map[string]string `json:"custom_fields"`
	CreatedAt      time.Time         `json:"created_at"`
}

// IsSuppressed reports whether the contact store itself blocks mail.
func (c *Contact) IsSuppressed() bool {
	return c.Status == ContactUnsubscribed || c.Status == ContactBounced || c.Status == ContactComplained
}

// HasTag reports tag membership, case-sensitive.
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Field resolves a named attribute, checking built-in fields before custom ones.
func (c *Contact) Field(name string) (string, bool) {
	switch name {
	case "email":
		return c.Email, true
	case "first_name":
		return c.FirstName, true
	case "last_name":
		return c.LastName, true
	case "company":
		return c.Company, true
	case "title":
		return c.Title, true
	}
	v, ok := c.CustomFields[name]
	return v, ok
}
