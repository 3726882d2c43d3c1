package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/textproto"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/service/sending"
)

// SMTPConfig is a relay shared by every account.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	LocalName string
	// MessageIDDomain is used for generated Message-ID headers; defaults to
	// the relay host.
	MessageIDDomain string
}

// SMTPTransport relays mail through an SMTP server using gomail.
type SMTPTransport struct {
	cfg  SMTPConfig
	send func(*gomail.Message) error
}

// NewSMTPTransport creates a transport for the given relay.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.MessageIDDomain == "" {
		cfg.MessageIDDomain = cfg.Host
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	if cfg.LocalName != "" {
		d.LocalName = cfg.LocalName
	}
	return &SMTPTransport{cfg: cfg, send: func(m *gomail.Message) error { return d.DialAndSend(m) }}
}

// Send builds the MIME message and relays it. gomail has no context support,
// so the dial runs in its own goroutine and ctx bounds how long Send waits.
func (t *SMTPTransport) Send(ctx context.Context, account *domain.SendingAccount, email *sending.Email) (string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), t.cfg.MessageIDDomain)
	m := buildMessage(account, email, messageID)

	done := make(chan error, 1)
	go func() { done <- t.send(m) }()

	select {
	case err := <-done:
		if err != nil {
			return "", classifySMTP(err)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", sending.TransientError(ctx.Err())
	}
}

func buildMessage(account *domain.SendingAccount, email *sending.Email, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", account.Email, email.FromName)
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	if email.ReplyTo != "" {
		m.SetHeader("Reply-To", email.ReplyTo)
	}
	for k, v := range email.Headers {
		m.SetHeader(k, v)
	}
	if email.CampaignID != "" {
		m.SetHeader("X-Campaign-ID", email.CampaignID)
	}
	if email.SequenceID != "" {
		m.SetHeader("X-Sequence-ID", email.SequenceID)
	}
	if email.IsHTML {
		m.SetBody("text/html", email.Body)
	} else {
		m.SetBody("text/plain", email.Body)
	}
	return m
}

var replyCode = regexp.MustCompile(`\b([245]\d\d)\b`)

// classifySMTP treats 4xx replies and connection failures as transient and
// 5xx replies as permanent.
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return sending.PermanentError(err)
		}
		return sending.TransientError(err)
	}
	// gomail flattens server replies into its own error text.
	if m := replyCode.FindStringSubmatch(err.Error()); m != nil {
		if code, _ := strconv.Atoi(m[1]); code >= 500 {
			return sending.PermanentError(err)
		}
	}
	return sending.TransientError(err)
}
