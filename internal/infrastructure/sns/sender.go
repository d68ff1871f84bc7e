package sns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"

	"github.com/loyalty-otp/internal/domain"
)

// API is the subset of the SNS client used by Sender.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	CheckIfPhoneNumberIsOptedOut(ctx context.Context, in *sns.CheckIfPhoneNumberIsOptedOutInput, optFns ...func(*sns.Options)) (*sns.CheckIfPhoneNumberIsOptedOutOutput, error)
}

// Sender publishes transactional SMS directly to phone numbers.
type Sender struct {
	client   API
	senderID string
}

func NewSender(client API, senderID string) *Sender {
	return &Sender{client: client, senderID: senderID}
}

// NewFromConfig builds a Sender backed by a real SNS client. A non-empty
// endpoint overrides the service URL (LocalStack).
func NewFromConfig(awsCfg aws.Config, senderID, endpoint string) *Sender {
	var opts []func(*sns.Options)
	if endpoint != "" {
		opts = append(opts, func(o *sns.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	return NewSender(sns.NewFromConfig(awsCfg, opts...), senderID)
}

func (s *Sender) SendSMS(ctx context.Context, to, message string) (string, error) {
	opted, err := s.client.CheckIfPhoneNumberIsOptedOut(ctx, &sns.CheckIfPhoneNumberIsOptedOutInput{
		PhoneNumber: aws.String(to),
	})
	if err != nil {
		// Best effort; Publish reports a hard failure on its own.
		slog.Warn("sns opt-out check failed", "err", err)
	} else if opted.IsOptedOut {
		return "", &domain.DeliveryError{Reason: domain.ReasonOptedOut, Err: errors.New("phone number opted out of sms")}
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s.senderID)}
	}
	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(to),
		Message:           aws.String(message),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", classify(err)
	}
	return aws.ToString(out.MessageId), nil
}

func classify(err error) error {
	reason := domain.ReasonUnavailable
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttled", "Throttling", "ThrottlingException", "TooManyRequestsException", "KMSThrottling":
			reason = domain.ReasonThrottled
		case "LimitExceeded", "SubscriptionLimitExceeded":
			reason = domain.ReasonQuotaExceeded
		case "InvalidParameter", "ParameterValueInvalid":
			reason = domain.ReasonInvalidContact
		}
	}
	return &domain.DeliveryError{Reason: reason, Err: fmt.Errorf("sns publish: %w", err)}
}
