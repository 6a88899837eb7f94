// Package email implements the email channel adapter over AWS SES,
// classifying SES responses into the channel package's sent /
// transient_failure / permanent_failure contract.
package email

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/sequencer/internal/channel"
	"github.com/ignite/sequencer/internal/pkg/logger"
)

// Adapter sends email through AWS SES.
type Adapter struct {
	client  *sesv2.Client
	timeout time.Duration
}

// New builds the email Adapter. accessKey/secretKey may be empty to use
// the ambient credential chain (instance role, env vars).
func New(ctx context.Context, accessKey, secretKey, region string, timeout time.Duration) (*Adapter, error) {
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := sesv2.NewFromConfig(cfg, func(o *sesv2.Options) { o.Retryer = aws.NopRetryer{} })
	return &Adapter{client: client, timeout: timeout}, nil
}

// Dispatch sends one email and classifies the SES response. It never
// retries internally.
func (a *Adapter) Dispatch(ctx context.Context, msg channel.Message, senderCtx channel.SenderContext) (channel.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.RichBody), Charset: aws.String("UTF-8")},
					Text: &types.Content{Data: aws.String(msg.PlainBody), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	out, err := a.client.SendEmail(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return channel.Result{Status: channel.StatusTransientFailure, Detail: "deadline exceeded"}, nil
		}
		return classifyError(err), nil
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	logger.Debug("email adapter: sent", "recipient", msg.To, "external_ref", messageID)

	return channel.Result{Status: channel.StatusSent, ExternalRef: messageID}, nil
}

// classifyError maps an SES API error to the adapter's terminal status.
// Any 5xx, throttling, or network-shaped error is transient; address
// rejection, account suspension, and content policy violations are
// permanent. Unrecognized errors default to transient so a single
// unfamiliar failure mode doesn't strand an enrollment.
func classifyError(err error) channel.Result {
	detail := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "MessageRejected", "MailFromDomainNotVerifiedException", "AccountSuspendedException":
			return channel.Result{Status: channel.StatusPermanentFailure, Detail: detail}
		case "TooManyRequestsException", "ThrottlingException", "LimitExceededException", "ServiceUnavailableException", "InternalServiceErrorException":
			return channel.Result{Status: channel.StatusTransientFailure, Detail: detail}
		}
	}

	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "invalid") && strings.Contains(lower, "address"):
		return channel.Result{Status: channel.StatusPermanentFailure, Detail: detail}
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "connection"), strings.Contains(lower, "5"):
		return channel.Result{Status: channel.StatusTransientFailure, Detail: detail}
	default:
		return channel.Result{Status: channel.StatusTransientFailure, Detail: detail}
	}
}
