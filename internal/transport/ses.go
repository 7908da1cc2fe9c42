package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/offermail/internal/pkg/logger"
	"github.com/ignite/offermail/internal/service/sending"
)

// SESAPI is the subset of the SES v2 client the transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES transport.
type SESConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
}

// SES delivers messages through Amazon SES v2.
type SES struct {
	api       SESAPI
	configSet string
	log       *logger.Logger
}

// NewSES builds an SES transport from static credentials, falling back to
// the default AWS credential chain when none are configured.
func NewSES(ctx context.Context, cfg SESConfig) (*SES, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSet), nil
}

// NewSESWithClient wraps an existing SES client.
func NewSESWithClient(api SESAPI, configSet string) *SES {
	return &SES{api: api, configSet: configSet, log: logger.Named("ses")}
}

// Send implements sending.Transport. SES does not thread messages, so the
// thread id is the message id of the first message.
func (s *SES) Send(ctx context.Context, msg sending.Message) (sending.Receipt, error) {
	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: sesTags(msg.Tags),
	}
	if s.configSet != "" {
		in.ConfigurationSetName = aws.String(s.configSet)
	}

	out, err := s.api.SendEmail(ctx, in)
	if err != nil {
		return sending.Receipt{}, classifySES(err)
	}
	id := aws.ToString(out.MessageId)
	s.log.Debug("ses accepted message", "to", msg.To, "message_id", id)
	return sending.Receipt{MessageID: id, ThreadID: id}, nil
}

func sesTags(tags map[string]string) []types.MessageTag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.MessageTag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.MessageTag{Name: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// classifySES maps SES API errors onto sending error kinds. Anything not
// recognised as permanent is transient.
func classifySES(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return sending.Transient(err)
	}
	msg := strings.ToLower(apiErr.ErrorMessage())
	switch apiErr.ErrorCode() {
	case "MessageRejected":
		if strings.Contains(msg, "suppression list") || strings.Contains(msg, "blacklist") {
			return sending.HardBounce(err)
		}
		if strings.Contains(msg, "address") && !strings.Contains(msg, "not verified") {
			return sending.InvalidRecipient(err)
		}
	case "BadRequestException":
		if strings.Contains(msg, "address") || strings.Contains(msg, "destination") {
			return sending.InvalidRecipient(err)
		}
	}
	return sending.Transient(err)
}
