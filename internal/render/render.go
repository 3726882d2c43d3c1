package render

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/coldreach/internal/domain"
)

// ErrEmptyContent is returned when a template renders to nothing.
var ErrEmptyContent = errors.New("rendered content is empty")

// Input is everything needed to produce one message.
type Input struct {
	// CacheKey prefixes the parse cache entries; empty disables caching.
	CacheKey string
	Subject  string
	Body     string

	Contact  *domain.Contact
	Account  *domain.SendingAccount
	FromName string

	CampaignID   string
	CampaignName string
	SequenceName string

	Seed int64
	Now  time.Time
	// Strict fails on variables with no value instead of rendering blanks.
	Strict bool
}

// Message is rendered, ready-to-send content.
type Message struct {
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	FromName string `json:"from_name"`
	IsHTML   bool   `json:"is_html"`
}

// Renderer turns stored content into a Message.
type Renderer struct {
	templates *TemplateService
}

// NewRenderer creates a renderer with its own template cache.
func NewRenderer() *Renderer {
	return &Renderer{templates: NewTemplateService()}
}

// Validate parses subject and body, reporting syntax errors before anything
// is scheduled.
func (r *Renderer) Validate(subject, body string) error {
	if err := r.templates.Parse(subject); err != nil {
		return fmt.Errorf("subject: %w", err)
	}
	if err := r.templates.Parse(body); err != nil {
		return fmt.Errorf("body: %w", err)
	}
	return nil
}

// Render resolves spintax with in.Seed, then substitutes variables.
func (r *Renderer) Render(in Input) (*Message, error) {
	vars := Variables(in)

	subject := Spin(in.Subject, in.Seed)
	body := Spin(in.Body, in.Seed+1)

	if in.Strict {
		missing := r.templates.Missing(subject+"\n"+body, vars)
		if len(missing) > 0 {
			return nil, &MissingVariableError{Variables: missing}
		}
	}

	subjectKey, bodyKey := "", ""
	if in.CacheKey != "" && subject == in.Subject && body == in.Body {
		subjectKey, bodyKey = in.CacheKey+":subject", in.CacheKey+":body"
	}
	outSubject, err := r.templates.Render(subjectKey, subject, vars)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	outBody, err := r.templates.Render(bodyKey, body, vars)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	if strings.TrimSpace(outBody) == "" {
		return nil, ErrEmptyContent
	}

	return &Message{
		Subject:  strings.TrimSpace(outSubject),
		Body:     outBody,
		FromName: fromName(in),
		IsHTML:   strings.Contains(outBody, "<") && strings.Contains(outBody, ">"),
	}, nil
}

func fromName(in Input) string {
	if in.FromName != "" {
		return in.FromName
	}
	if in.Account != nil {
		if in.Account.FromName != "" {
			return in.Account.FromName
		}
		return in.Account.Name
	}
	return ""
}

// Variables builds the template context. Contact fields are available both
// nested (contact.first_name) and flat (first_name); custom fields are only
// present when set.
func Variables(in Input) map[string]interface{} {
	contact := map[string]interface{}{}
	if c := in.Contact; c != nil {
		for k, v := range c.CustomFields {
			contact[k] = v
		}
		contact["id"] = c.ID
		contact["email"] = c.Email
		contact["first_name"] = c.FirstName
		contact["last_name"] = c.LastName
		contact["full_name"] = strings.TrimSpace(c.FirstName + " " + c.LastName)
		contact["company"] = c.Company
		contact["title"] = c.Title
	}

	sender := map[string]interface{}{"name": fromName(in)}
	if a := in.Account; a != nil {
		sender["email"] = a.Email
		if a.FromName != "" {
			sender["first_name"] = strings.Fields(a.FromName)[0]
		}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	if in.Account != nil {
		now = now.In(in.Account.Location())
	}

	vars := map[string]interface{}{
		"contact":  contact,
		"sender":   sender,
		"campaign": map[string]interface{}{"id": in.CampaignID, "name": in.CampaignName},
		"sequence": map[string]interface{}{"name": in.SequenceName},
		"date": map[string]interface{}{
			"today":   now.Format("January 2, 2006"),
			"weekday": now.Weekday().String(),
			"month":   now.Month().String(),
			"year":    now.Year(),
		},
	}
	for k, v := range contact {
		if _, taken := vars[k]; !taken {
			vars[k] = v
		}
	}
	return vars
}

// Missing lists the variables in.Subject and in.Body reference without a
// value, after spintax with in.Seed.
func (r *Renderer) Missing(in Input) []string {
	text := Spin(in.Subject, in.Seed) + "\n" + Spin(in.Body, in.Seed+1)
	return r.templates.Missing(text, Variables(in))
}
