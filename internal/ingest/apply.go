package ingest

import (
	"strings"

	"github.com/ignite/coldreach/internal/domain"
)

// deliveryOutcome is what one event did to a send record.
type deliveryOutcome struct {
	changed    bool
	firstOpen  bool
	firstClick bool
	firstReply bool
	hardFail   bool
	stats      domain.CampaignStats
	variant    domain.VariantStats
}

// isHardFailure reports events that suppress the address. Bounces marked
// soft by the producer only count as engagement noise.
func isHardFailure(e *domain.Event) bool {
	switch e.Type {
	case domain.EventUnsubscribed, domain.EventComplained:
		return true
	case domain.EventBounced:
		return !strings.EqualFold(e.Metadata["bounce_type"], "soft")
	}
	return false
}

// advance moves d forward to next when the graph allows it. Events that
// would regress the record are recorded but leave the status alone.
func advance(d *domain.Delivery, next domain.SendStatus, e *domain.Event) bool {
	if !d.Status.CanTransitionTo(next) {
		return false
	}
	return d.Transition(next, e.OccurredAt) == nil
}

// applyDelivery folds an event into a send record and returns the counter
// deltas it produced. Engagement on records that never left the engine is
// ignored.
func applyDelivery(d *domain.Delivery, e *domain.Event) deliveryOutcome {
	var out deliveryOutcome
	out.hardFail = isHardFailure(e)

	sent := d.Status.WasSent()
	switch e.Type {
	case domain.EventDelivered:
		if !sent {
			break
		}
		first := d.DeliveredAt == nil
		out.changed = advance(d, domain.StatusDelivered, e)
		if first && d.DeliveredAt == nil {
			t := e.OccurredAt
			d.DeliveredAt = &t
			out.changed = true
		}
		if first {
			out.stats.Delivered = 1
		}

	case domain.EventOpened:
		if !sent {
			break
		}
		out.firstOpen = d.OpenedAt == nil
		d.MarkOpened(e.OccurredAt)
		advance(d, domain.StatusOpened, e)
		out.changed = true
		if out.firstOpen {
			out.stats.Opened = 1
			out.variant.Opened = 1
		}

	case domain.EventClicked:
		if !sent {
			break
		}
		out.firstClick = d.ClickedAt == nil
		d.MarkClicked(e.OccurredAt)
		advance(d, domain.StatusClicked, e)
		out.changed = true
		if out.firstClick {
			out.stats.Clicked = 1
			out.variant.Clicked = 1
		}

	case domain.EventReplied:
		if !sent {
			break
		}
		out.firstReply = d.RepliedAt == nil
		d.MarkReplied(e.OccurredAt)
		advance(d, domain.StatusReplied, e)
		out.changed = true
		if out.firstReply {
			out.stats.Replied = 1
			out.variant.Replied = 1
		}

	case domain.EventBounced:
		if !out.hardFail {
			break
		}
		if advance(d, domain.StatusBounced, e) {
			out.changed = true
			out.stats.Bounced = 1
			if reason := e.Metadata["reason"]; reason != "" {
				d.LastError = reason
			}
		}

	case domain.EventUnsubscribed:
		if advance(d, domain.StatusUnsubscribed, e) {
			out.changed = true
			out.stats.Unsubscribed = 1
		}

	case domain.EventComplained:
		if advance(d, domain.StatusComplained, e) {
			out.changed = true
			out.stats.Complained = 1
		}
	}
	return out
}
