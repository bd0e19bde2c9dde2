package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/communityhub/newsletter-service/internal/config"
	"github.com/communityhub/newsletter-service/internal/pkg/logger"
)

// SESSender is the alternate transport, sending via AWS SES using the SDK v2.
// SES lacks a true bulk endpoint, so a batch is dispatched as sequential
// per-recipient calls with per-message outcomes.
type SESSender struct {
	fromEmail string
	client    *sesv2.Client
}

// NewSESSender creates an SES sender. Initializes the AWS SDK client if
// credentials are provided.
func NewSESSender(cfg appconfig.SESConfig, fromEmail string) *SESSender {
	sender := &SESSender{fromEmail: fromEmail}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		)
		if err != nil {
			log.Printf("[SES] Warning: Failed to initialize AWS config: %v", err)
		} else {
			sender.client = sesv2.NewFromConfig(awsCfg)
		}
	}

	return sender
}

// SendBatch delivers each message individually and aggregates the outcomes.
func (s *SESSender) SendBatch(ctx context.Context, messages []Message) (*BatchResult, error) {
	if len(messages) == 0 {
		return &BatchResult{}, nil
	}
	if s.client == nil {
		return nil, fmt.Errorf("SES client not initialized - check credentials")
	}

	result := &BatchResult{Results: make([]SendOutcome, len(messages))}
	for i, msg := range messages {
		if err := s.send(ctx, msg); err != nil {
			result.Results[i] = SendOutcome{Error: err.Error()}
			result.FailureCount++
			continue
		}
		result.Results[i] = SendOutcome{Success: true}
		result.SentCount++
	}
	if result.FailureCount > 0 {
		result.ErrorMessage = fmt.Sprintf("%d of %d SES sends failed", result.FailureCount, len(messages))
	}
	return result, nil
}

func (s *SESSender) send(ctx context.Context, msg Message) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		log.Printf("[SES] Failed to send to %s: %v", logger.RedactEmail(msg.To), err)
		return err
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)
	return nil
}
