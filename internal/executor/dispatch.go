package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/ratelimit"
	"github.com/ignite/coldreach/internal/render"
	"github.com/ignite/coldreach/internal/service/sending"
	"github.com/ignite/coldreach/internal/store"
)

// attempt is everything dispatch needs for one send.
type attempt struct {
	accountIDs []string
	// rotation picks the first account tried, usually the target's Order.
	rotation int64
	caps     []ratelimit.Cap
	content  render.Input
	email    sending.Email
	// beforeSend runs once quota is granted and before the transport is
	// called; it persists the sending state.
	beforeSend func(account *domain.SendingAccount, msg *render.Message) error
}

type stage int

const (
	stageDeferred stage = iota
	stageDenied
	stageRender
	stageSent
	stageSendFailed
)

// dispatchResult is the raw result of one attempt.
type dispatchResult struct {
	stage     stage
	account   *domain.SendingAccount
	message   *render.Message
	messageID string
	nextAt    time.Time
	reason    string
	err       error
}

// dispatch walks the accounts starting at the rotation offset. Each account
// is rendered for, then reserved; the first Grant is sent through. Deferred
// accounts contribute their earliest availability. Denied accounts are
// skipped.
func (e *Executor) dispatch(ctx context.Context, at attempt) (dispatchResult, error) {
	now := e.now()
	n := len(at.accountIDs)
	if n == 0 {
		return dispatchResult{stage: stageDenied, reason: "no sending accounts configured"}, nil
	}
	start := int(at.rotation % int64(n))
	if start < 0 {
		start += n
	}

	var (
		deferred    bool
		earliest    time.Time
		deferReason string
		denyReason  = "no sendable account"
	)
	for i := 0; i < n; i++ {
		id := at.accountIDs[(start+i)%n]
		account, err := e.store.GetAccount(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			denyReason = fmt.Sprintf("account %s not found", id)
			continue
		}
		if err != nil {
			return dispatchResult{}, fmt.Errorf("load account %s: %w", id, err)
		}
		if !account.IsSendable() {
			denyReason = fmt.Sprintf("account %s is %s", account.ID, account.Status)
			continue
		}

		in := at.content
		in.Account = account
		msg, err := e.renderer.Render(in)
		if err != nil {
			return dispatchResult{stage: stageRender, reason: err.Error(), err: err}, nil
		}

		rctx, cancel := context.WithTimeout(ctx, e.cfg.ReserveTimeout)
		dec, err := e.limiter.Reserve(rctx, account, now, at.caps...)
		cancel()
		if err != nil {
			// The quota authority is unreachable; nothing was counted.
			logger.Warn("reserve failed", "account_id", account.ID, "error", err.Error())
			return dispatchResult{stage: stageDeferred, nextAt: now.Add(e.cfg.RetryBase), reason: "rate limiter unavailable"}, nil
		}

		switch dec.Outcome {
		case ratelimit.Denied:
			denyReason = dec.Reason
			continue
		case ratelimit.Deferred:
			if !deferred || dec.NextAvailableAt.Before(earliest) {
				earliest, deferReason = dec.NextAvailableAt, dec.Reason
			}
			deferred = true
			continue
		}

		return e.send(ctx, at, account, msg)
	}

	if deferred {
		return dispatchResult{stage: stageDeferred, nextAt: earliest, reason: deferReason}, nil
	}
	return dispatchResult{stage: stageDenied, reason: denyReason}, nil
}

func (e *Executor) send(ctx context.Context, at attempt, account *domain.SendingAccount, msg *render.Message) (dispatchResult, error) {
	if at.beforeSend != nil {
		if err := at.beforeSend(account, msg); err != nil {
			return dispatchResult{}, err
		}
	}

	email := at.email
	email.FromName = msg.FromName
	email.FromEmail = account.Email
	email.Subject = msg.Subject
	email.Body = msg.Body
	email.IsHTML = msg.IsHTML

	sctx, cancel := context.WithTimeout(ctx, e.cfg.TransportTimeout)
	id, err := e.transport.Send(sctx, account, &email)
	cancel()
	if err != nil {
		return dispatchResult{stage: stageSendFailed, account: account, message: msg, reason: err.Error(), err: err}, nil
	}

	if usage, uerr := e.limiter.Usage(ctx, account, e.now()); uerr == nil {
		if rerr := e.store.RecordAccountSend(ctx, account.ID, usage.SentToday); rerr != nil {
			logger.Warn("record account send failed", "account_id", account.ID, "error", rerr.Error())
		}
	}
	return dispatchResult{stage: stageSent, account: account, message: msg, messageID: id}, nil
}
