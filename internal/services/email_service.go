package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/BradenHooton/labdesk/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SecurityNotifier tells account owners about security events on their account
type SecurityNotifier interface {
	NotifyAccountLocked(ctx context.Context, email string, blockedUntil time.Time, req *models.RequestContext) error
	NotifySuspiciousLogin(ctx context.Context, user *models.User, reasons []string, req *models.RequestContext) error
}

// sesSender is the part of the SES client used here
type sesSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// AWSSESEmailService sends security alert emails using AWS SES
type AWSSESEmailService struct {
	sesClient   sesSender
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESEmailService creates a new AWS SES email service
func NewAWSSESEmailService(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*AWSSESEmailService, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newSESEmailService(ses.NewFromConfig(cfg), fromAddress, logger), nil
}

func newSESEmailService(client sesSender, fromAddress string, logger *slog.Logger) *AWSSESEmailService {
	return &AWSSESEmailService{
		sesClient:   client,
		fromAddress: fromAddress,
		logger:      logger,
	}
}

// NotifyAccountLocked tells the owner that repeated failures locked sign-in
func (s *AWSSESEmailService) NotifyAccountLocked(ctx context.Context, email string, blockedUntil time.Time, req *models.RequestContext) error {
	body := fmt.Sprintf(`Sign-in to your account was temporarily locked after repeated failed attempts.

Locked until: %s
Source address: %s

If this was you, wait until the lock expires and try again.
If it was not, consider changing your password once you can sign in.

This is an automated message. Please do not reply to this email.
`, blockedUntil.UTC().Format(time.RFC1123), requestIP(req))

	return s.send(ctx, email, "Sign-in temporarily locked", body, "account_locked")
}

// NotifySuspiciousLogin tells the owner about a sign-in that did not match their history
func (s *AWSSESEmailService) NotifySuspiciousLogin(ctx context.Context, user *models.User, reasons []string, req *models.RequestContext) error {
	body := fmt.Sprintf(`Hello %s,

We noticed a sign-in to your account that does not match your usual activity.

Source address: %s
Device: %s
Signals: %s

If this was you, no action is needed.
If it was not, sign out all sessions and change your password.

This is an automated message. Please do not reply to this email.
`, user.Name, requestIP(req), requestUserAgent(req), strings.Join(reasons, ", "))

	return s.send(ctx, user.Email, "New sign-in to your account", body, "suspicious_login")
}

func (s *AWSSESEmailService) send(ctx context.Context, to, subject, textBody, kind string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send security alert via SES",
			slog.String("kind", kind),
			slog.String("email", logger.SanitizedEmail(to)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("security alert sent",
		slog.String("kind", kind),
		slog.String("email", logger.SanitizedEmail(to)),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

// LogNotifier records alerts in the log instead of sending them
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier for deployments without SES
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyAccountLocked(ctx context.Context, email string, blockedUntil time.Time, req *models.RequestContext) error {
	n.logger.InfoContext(ctx, "security alert suppressed",
		slog.String("kind", "account_locked"),
		slog.String("email", logger.SanitizedEmail(email)),
		slog.Time("blocked_until", blockedUntil))
	return nil
}

func (n *LogNotifier) NotifySuspiciousLogin(ctx context.Context, user *models.User, reasons []string, req *models.RequestContext) error {
	n.logger.InfoContext(ctx, "security alert suppressed",
		slog.String("kind", "suspicious_login"),
		slog.String("user_id", user.ID),
		slog.Any("reasons", reasons))
	return nil
}

func requestIP(req *models.RequestContext) string {
	if req == nil || req.IPAddress == "" {
		return unknownRequestValue
	}
	return req.IPAddress
}

func requestUserAgent(req *models.RequestContext) string {
	if req == nil || req.UserAgent == "" {
		return unknownRequestValue
	}
	return req.UserAgent
}
