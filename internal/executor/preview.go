package executor

import (
	"context"
	"fmt"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/render"
)

// Preview is rendered content for one contact that was never sent.
type Preview struct {
	Subject          string   `json:"subject"`
	Body             string   `json:"body"`
	FromName         string   `json:"from_name"`
	IsHTML           bool     `json:"is_html"`
	VariantID        string   `json:"variant_id,omitempty"`
	AccountID        string   `json:"account_id,omitempty"`
	MissingVariables []string `json:"missing_variables,omitempty"`
}

// PreviewCampaign renders a campaign for a contact. Spintax and variant
// choice are seeded by campaign and contact, so repeated previews match.
func (e *Executor) PreviewCampaign(ctx context.Context, campaignID, contactID string) (*Preview, error) {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	ct, err := e.previewContact(ctx, c.OrganizationID, contactID)
	if err != nil {
		return nil, err
	}

	key := c.ID + ":" + ct.ID
	subject, body, variantID := c.Subject, c.Body, ""
	if c.ABTestEnabled {
		variants, err := e.store.ListVariants(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("load variants: %w", err)
		}
		if v := render.SelectVariant(variants, c.ABWinnerVariantID, render.Roll(key)); v != nil {
			variantID = v.ID
			if v.Subject != "" {
				subject = v.Subject
			}
			if v.Body != "" {
				body = v.Body
			}
		}
	}

	p, err := e.preview(ctx, c.AccountIDs, render.Input{
		Subject:      subject,
		Body:         body,
		Contact:      ct,
		FromName:     c.FromName,
		CampaignID:   c.ID,
		CampaignName: c.Name,
		Seed:         render.SeedFor(key),
		Now:          e.now(),
	})
	if err != nil {
		return nil, err
	}
	p.VariantID = variantID
	return p, nil
}

// PreviewStep renders one email step of a sequence for a contact.
func (e *Executor) PreviewStep(ctx context.Context, sequenceID, stepID, contactID string) (*Preview, error) {
	seq, err := e.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	var step *domain.Step
	for i := range seq.Steps {
		if seq.Steps[i].ID == stepID {
			step = &seq.Steps[i]
		}
	}
	if step == nil || step.Email == nil {
		return nil, fmt.Errorf("step %s is not an email step of sequence %s", stepID, sequenceID)
	}
	ct, err := e.previewContact(ctx, seq.OrganizationID, contactID)
	if err != nil {
		return nil, err
	}
	return e.preview(ctx, seq.AccountIDs, render.Input{
		Subject:      step.Email.Subject,
		Body:         step.Email.Body,
		Contact:      ct,
		FromName:     seq.FromName,
		SequenceName: seq.Name,
		Seed:         render.SeedFor(seq.ID + ":" + step.ID + ":" + ct.ID),
		Now:          e.now(),
	})
}

func (e *Executor) previewContact(ctx context.Context, orgID, contactID string) (*domain.Contact, error) {
	ct, _, err := e.resolver.IsEligible(ctx, orgID, contactID)
	if err != nil {
		return nil, fmt.Errorf("load contact: %w", err)
	}
	return ct, nil
}

func (e *Executor) preview(ctx context.Context, accountIDs []string, in render.Input) (*Preview, error) {
	for _, id := range accountIDs {
		a, err := e.store.GetAccount(ctx, id)
		if err == nil {
			in.Account = a
			break
		}
	}
	msg, err := e.renderer.Render(in)
	if err != nil {
		return nil, err
	}
	p := &Preview{
		Subject:          msg.Subject,
		Body:             msg.Body,
		FromName:         msg.FromName,
		IsHTML:           msg.IsHTML,
		MissingVariables: e.renderer.Missing(in),
	}
	if in.Account != nil {
		p.AccountID = in.Account.ID
	}
	return p, nil
}
