package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/store"
)

// PickWinner compares variants by criteria. A challenger wins only by
// beating the control's rate; without a control the best rate wins and
// ties go to the earlier variant.
func PickWinner(variants []domain.ABVariant, criteria domain.WinnerCriteria) *domain.ABVariant {
	if len(variants) == 0 {
		return nil
	}
	var control *domain.ABVariant
	for i := range variants {
		if variants[i].IsControl {
			control = &variants[i]
			break
		}
	}
	best := control
	for i := range variants {
		v := &variants[i]
		if v == control {
			continue
		}
		if best == nil || v.Rate(criteria) > best.Rate(criteria) {
			best = v
		}
	}
	return best
}

// SelectABWinner locks in the winning variant. An empty variantID picks by
// the campaign's criteria. Every later send uses the winner's content and
// the choice never changes.
func (s *Service) SelectABWinner(ctx context.Context, id, variantID string) (*domain.ABVariant, error) {
	var winner *domain.ABVariant
	err := s.withCampaign(ctx, id, func(c *domain.Campaign) error {
		if !c.ABTestEnabled {
			return ErrNoABTest
		}
		if c.ABWinnerVariantID != "" {
			return ErrWinnerSelected
		}
		if c.Status.IsTerminal() {
			return fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, c.Status)
		}
		vs, err := s.store.ListVariants(ctx, c.ID)
		if err != nil {
			return err
		}
		if variantID == "" {
			winner = PickWinner(vs, c.ABTestWinnerCriteria)
		} else {
			for i := range vs {
				if vs[i].ID == variantID {
					winner = &vs[i]
				}
			}
		}
		if winner == nil {
			return fmt.Errorf("%w: unknown variant %q", ErrInvalidCampaign, variantID)
		}
		err = s.store.LockABWinner(ctx, c.ID, winner.ID, s.now().UTC())
		if errors.Is(err, store.ErrWinnerLocked) {
			return ErrWinnerSelected
		}
		if err != nil {
			return err
		}
		winner.IsWinner = true
		how := "manually"
		if variantID == "" {
			how = "by " + string(c.ABTestWinnerCriteria)
		}
		s.writeLog(ctx, c, domain.LogInfo, fmt.Sprintf("variant %s selected as winner %s", winner.Name, how))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return winner, nil
}

// abDue reports whether automatic winner selection should run now: the
// test duration elapsed, or with no duration set, the sample was sent.
func (s *Service) abDue(c *domain.Campaign) bool {
	if !c.ABTestRunning() || c.Status != domain.CampaignSending {
		return false
	}
	if ends, ok := c.ABTestEndsAt(); ok {
		return !s.now().Before(ends)
	}
	return c.ABTestSampleSize > 0 && c.Stats.Sent >= c.ABTestSampleSize
}
