package sequence

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ignite/coldreach/internal/domain"
)

// evaluate decides a condition step. Engagement conditions look at the
// enrollment's own history; score conditions ask the scoring engine.
func (s *Service) evaluate(ctx context.Context, en *domain.Enrollment, ct *domain.Contact, c *domain.ConditionStep) (bool, error) {
	switch c.Type {
	case domain.ConditionOpened:
		return en.OpenedAt != nil, nil
	case domain.ConditionNotOpened:
		return en.OpenedAt == nil, nil
	case domain.ConditionClicked:
		return en.ClickedAt != nil, nil
	case domain.ConditionNotClicked:
		return en.ClickedAt == nil, nil
	case domain.ConditionReplied:
		return en.RepliedAt != nil, nil
	case domain.ConditionNotReplied:
		return en.RepliedAt == nil, nil

	case domain.ConditionScoreAbove, domain.ConditionScoreBelow:
		threshold, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidSequence, err)
		}
		if s.scoring == nil {
			return false, nil
		}
		score, err := s.scoring.Score(ctx, en.OrganizationID, en.ContactID)
		if err != nil {
			return false, fmt.Errorf("score lookup: %w", err)
		}
		if c.Type == domain.ConditionScoreAbove {
			return score > threshold, nil
		}
		return score < threshold, nil

	case domain.ConditionHasTag:
		return ct.HasTag(strings.TrimSpace(c.Value)), nil

	case domain.ConditionFieldEquals:
		k, v, _ := strings.Cut(c.Value, "=")
		got, ok := ct.Field(strings.TrimSpace(k))
		return ok && strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(v)), nil
	}
	return false, fmt.Errorf("%w: unknown condition %q", ErrInvalidSequence, c.Type)
}
