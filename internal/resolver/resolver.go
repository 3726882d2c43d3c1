// Package resolver turns targeting criteria into concrete contacts. Campaign
// audiences are resolved once at prepare time; sequence enrollments are
// checked one contact at a time.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/coldreach/internal/contacts"
	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/store"
)

// Sentinel errors.
var (
	ErrNoTargets  = errors.New("no include lists or tags")
	ErrSuppressed = errors.New("contact is suppressed")
	ErrNoEmail    = errors.New("contact has no email address")
)

// SuppressionChecker reports engine-level suppressions.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, orgID, email string) (bool, error)
}

// Resolver expands targeting criteria against the contact directory.
type Resolver struct {
	dir         contacts.Directory
	supp        SuppressionChecker
	enrollments store.EnrollmentRepository
}

// New creates a resolver.
func New(dir contacts.Directory, supp SuppressionChecker, enrollments store.EnrollmentRepository) *Resolver {
	return &Resolver{dir: dir, supp: supp, enrollments: enrollments}
}

// Result is a resolved audience plus what was dropped and why.
type Result struct {
	Contacts   []domain.Contact `json:"-"`
	Excluded   int              `json:"excluded"`
	Suppressed int              `json:"suppressed"`
	Duplicates int              `json:"duplicates"`
	Invalid    int              `json:"invalid"`
}

type contactSet struct {
	ids    map[string]bool
	emails map[string]bool
}

func newContactSet() *contactSet {
	return &contactSet{ids: map[string]bool{}, emails: map[string]bool{}}
}

func (s *contactSet) add(c *domain.Contact) bool {
	email := strings.ToLower(strings.TrimSpace(c.Email))
	if s.ids[c.ID] || (email != "" && s.emails[email]) {
		return false
	}
	s.ids[c.ID] = true
	if email != "" {
		s.emails[email] = true
	}
	return true
}

func (s *contactSet) has(c *domain.Contact) bool {
	return s.ids[c.ID] || s.emails[strings.ToLower(strings.TrimSpace(c.Email))]
}

// members gathers lists then tags in the order given.
func (r *Resolver) members(ctx context.Context, orgID string, lists, tags []string) ([]domain.Contact, error) {
	var out []domain.Contact
	for _, id := range lists {
		cs, err := r.dir.ListMembers(ctx, orgID, id)
		if err != nil {
			return nil, fmt.Errorf("list %s members: %w", id, err)
		}
		out = append(out, cs...)
	}
	for _, tag := range tags {
		cs, err := r.dir.TagMembers(ctx, orgID, tag)
		if err != nil {
			return nil, fmt.Errorf("tag %s members: %w", tag, err)
		}
		out = append(out, cs...)
	}
	return out, nil
}

// ResolveCampaign computes union(includes) minus union(excludes) minus
// suppressed contacts, deduplicated by contact id and email. Order is the
// order of first appearance across the include lists then tags.
func (r *Resolver) ResolveCampaign(ctx context.Context, c *domain.Campaign) (*Result, error) {
	if c.Target.IsEmpty() {
		return nil, ErrNoTargets
	}
	included, err := r.members(ctx, c.OrganizationID, c.Target.IncludeListIDs, c.Target.IncludeTags)
	if err != nil {
		return nil, err
	}
	excludedContacts, err := r.members(ctx, c.OrganizationID, c.Target.ExcludeListIDs, c.Target.ExcludeTags)
	if err != nil {
		return nil, err
	}
	exclude := newContactSet()
	for i := range excludedContacts {
		exclude.add(&excludedContacts[i])
	}

	res := &Result{}
	seen := newContactSet()
	for i := range included {
		ct := &included[i]
		if !seen.add(ct) {
			res.Duplicates++
			continue
		}
		if exclude.has(ct) {
			res.Excluded++
			continue
		}
		if strings.TrimSpace(ct.Email) == "" {
			res.Invalid++
			continue
		}
		suppressed, err := r.suppressed(ctx, ct)
		if err != nil {
			return nil, err
		}
		if suppressed {
			res.Suppressed++
			continue
		}
		res.Contacts = append(res.Contacts, *ct)
	}
	return res, nil
}

func (r *Resolver) suppressed(ctx context.Context, ct *domain.Contact) (bool, error) {
	if ct.IsSuppressed() {
		return true, nil
	}
	if r.supp == nil {
		return false, nil
	}
	ok, err := r.supp.IsSuppressed(ctx, ct.OrganizationID, ct.Email)
	if err != nil {
		return false, fmt.Errorf("suppression check: %w", err)
	}
	return ok, nil
}

// IsEligible re-checks a contact right before dispatch. A missing contact
// is reported through contacts.ErrNotFound.
func (r *Resolver) IsEligible(ctx context.Context, orgID, contactID string) (*domain.Contact, bool, error) {
	ct, err := r.dir.GetContact(ctx, orgID, contactID)
	if err != nil {
		return nil, false, err
	}
	suppressed, err := r.suppressed(ctx, ct)
	if err != nil {
		return ct, false, err
	}
	return ct, !suppressed, nil
}

// CheckEnrollable validates a single enroll request: the contact exists,
// has an address, is not suppressed and has no active enrollment in seq.
// The repository insert remains the authority on the last condition.
func (r *Resolver) CheckEnrollable(ctx context.Context, seq *domain.Sequence, contactID string) (*domain.Contact, error) {
	ct, eligible, err := r.IsEligible(ctx, seq.OrganizationID, contactID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ct.Email) == "" {
		return nil, ErrNoEmail
	}
	if !eligible {
		return nil, ErrSuppressed
	}
	if r.enrollments != nil {
		active, err := r.enrollments.ListEnrollments(ctx, store.EnrollmentFilter{
			SequenceID: seq.ID,
			ContactID:  contactID,
			Statuses:   []domain.EnrollmentStatus{domain.EnrollmentActive, domain.EnrollmentPaused},
			Limit:      1,
		})
		if err != nil {
			return nil, fmt.Errorf("active enrollment check: %w", err)
		}
		if len(active) > 0 {
			return nil, store.ErrActiveEnrollment
		}
	}
	return ct, nil
}
