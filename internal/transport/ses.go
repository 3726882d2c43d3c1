package transport

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/pkg/logger"
	"github.com/ignite/coldreach/internal/service/sending"
)

// sesAPI is the slice of the SES client the transport uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES transport.
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	ConfigurationSet string
}

// SESTransport sends through Amazon SES v2. The account's address is the
// From address and must be a verified identity.
type SESTransport struct {
	client    sesAPI
	configSet string
}

// NewSESTransport builds an SES client from static credentials when given,
// falling back to the default AWS credential chain.
func NewSESTransport(ctx context.Context, cfg SESConfig) (*SESTransport, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	log.Printf("[SES] Transport initialized (region: %s)", cfg.Region)
	return &SESTransport{client: sesv2.NewFromConfig(awsCfg), configSet: cfg.ConfigurationSet}, nil
}

// Send delivers one email.
func (t *SESTransport) Send(ctx context.Context, account *domain.SendingAccount, email *sending.Email) (string, error) {
	body := &types.Body{}
	content := &types.Content{Data: aws.String(email.Body), Charset: aws.String("UTF-8")}
	if email.IsHTML {
		body.Html = content
	} else {
		body.Text = content
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatAddress(email.FromName, account.Email)),
		Destination:      &types.Destination{ToAddresses: []string{email.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(email.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: sesTags(email),
	}
	if email.ReplyTo != "" {
		input.ReplyToAddresses = []string{email.ReplyTo}
	}
	if t.configSet != "" {
		input.ConfigurationSetName = aws.String(t.configSet)
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		logger.Warn("ses send failed", "account_id", account.ID, "to", email.To, "error", err.Error())
		return "", classifySES(err)
	}
	return aws.ToString(out.MessageId), nil
}

func sesTags(email *sending.Email) []types.MessageTag {
	var tags []types.MessageTag
	add := func(name, value string) {
		if value != "" {
			tags = append(tags, types.MessageTag{Name: aws.String(name), Value: aws.String(value)})
		}
	}
	add("campaign_id", email.CampaignID)
	add("recipient_id", email.RecipientID)
	add("sequence_id", email.SequenceID)
	add("step_execution_id", email.StepExecutionID)
	return tags
}

// classifySES maps SES API errors onto transient and permanent kinds.
func classifySES(err error) error {
	var (
		rejected    *types.MessageRejected
		notVerified *types.MailFromDomainNotVerifiedException
		badRequest  *types.BadRequestException
		notFound    *types.NotFoundException
		suspended   *types.AccountSuspendedException
	)
	switch {
	case errors.As(err, &rejected), errors.As(err, &notVerified),
		errors.As(err, &badRequest), errors.As(err, &notFound),
		errors.As(err, &suspended):
		return sending.PermanentError(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "LimitExceededException", "SendingPausedException", "Throttling":
			return sending.TransientError(err)
		}
		return sending.PermanentError(err)
	}
	return sending.TransientError(err)
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%q <%s>", name, addr)
}
