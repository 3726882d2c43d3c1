package campaign

import (
	"context"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/store"
)

// Stats is the campaign report: aggregate counters, recipient status
// breakdown and per-variant counters.
type Stats struct {
	domain.CampaignStats
	ByStatus map[domain.SendStatus]int `json:"by_status"`
	Variants []domain.ABVariant        `json:"variants,omitempty"`
	Winner   string                    `json:"winner_variant_id,omitempty"`
}

// rollupPage bounds how many recipients one rollup query reads.
const rollupPage = 1000

// Rollup recomputes the aggregate counters from the recipient rows and
// stores them. Superseded recipients are not counted.
func (s *Service) Rollup(ctx context.Context, id string) (*domain.CampaignStats, error) {
	var st domain.CampaignStats
	for offset := 0; ; offset += rollupPage {
		rs, err := s.store.ListRecipients(ctx, store.RecipientFilter{CampaignID: id, Limit: rollupPage, Offset: offset})
		if err != nil {
			return nil, err
		}
		for i := range rs {
			tally(&st, &rs[i])
		}
		if len(rs) < rollupPage {
			break
		}
	}
	if err := s.store.SetCampaignStats(ctx, id, st); err != nil {
		return nil, err
	}
	return &st, nil
}

func tally(st *domain.CampaignStats, r *domain.Recipient) {
	if r.SupersededBy != "" {
		return
	}
	st.TotalRecipients++
	if r.Status.WasSent() {
		st.Sent++
	}
	if r.DeliveredAt != nil {
		st.Delivered++
	}
	if r.OpenedAt != nil {
		st.Opened++
	}
	if r.ClickedAt != nil {
		st.Clicked++
	}
	if r.RepliedAt != nil {
		st.Replied++
	}
	switch r.Status {
	case domain.StatusBounced:
		st.Bounced++
	case domain.StatusUnsubscribed:
		st.Unsubscribed++
	case domain.StatusComplained:
		st.Complained++
	case domain.StatusFailed:
		st.Failed++
	case domain.StatusSkipped:
		st.Skipped++
	}
}

// Stats rolls the counters up and reports them with the status breakdown
// and variant performance.
func (s *Service) Stats(ctx context.Context, id string) (*Stats, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	agg, err := s.Rollup(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountRecipientsByStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Stats{CampaignStats: *agg, ByStatus: counts, Winner: c.ABWinnerVariantID}
	if c.ABTestEnabled {
		if out.Variants, err = s.store.ListVariants(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}
