package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the slice of the SQS client the source uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSSource long-polls an SQS queue, optionally fed by SNS. Messages are
// deleted once applied or found undecodable; other failures are left for
// the visibility timeout to redeliver.
type SQSSource struct {
	client     sqsAPI
	queueURL   string
	errorDelay time.Duration
}

// NewSQSSource creates a source for queueURL.
func NewSQSSource(client *sqs.Client, queueURL string) (*SQSSource, error) {
	if queueURL == "" {
		return nil, errors.New("sqs queue url cannot be empty")
	}
	return &SQSSource{client: client, queueURL: queueURL, errorDelay: 5 * time.Second}, nil
}

// Name implements Source.
func (s *SQSSource) Name() string { return "sqs" }

// Run implements Source.
func (s *SQSSource) Run(ctx context.Context, h Handler) error {
	log.Printf("[SQSSource] polling %s", s.queueURL)
	for {
		if ctx.Err() != nil {
			return nil
		}
		out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(s.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[SQSSource] receive error: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.errorDelay):
			}
			continue
		}
		for _, msg := range out.Messages {
			s.handle(ctx, h, msg)
		}
	}
}

func (s *SQSSource) handle(ctx context.Context, h Handler, msg types.Message) {
	e, err := Decode([]byte(aws.ToString(msg.Body)))
	if err == nil {
		err = h(ctx, e)
	}
	if err != nil && !IsPermanent(err) {
		log.Printf("[SQSSource] process error, leaving for redelivery: %v", err)
		return
	}
	if err != nil {
		log.Printf("[SQSSource] dropping bad message: %v", err)
	}
	if _, delErr := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); delErr != nil {
		log.Printf("[SQSSource] delete failed: %v", delErr)
	}
}
