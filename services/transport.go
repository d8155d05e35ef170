package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
	mail "gopkg.in/gomail.v2"

	"mail-automation/config"
)

// Transport hands a finished message to a mail relay.
type Transport interface {
	Name() string
	Send(ctx context.Context, settings AutomationSettings, msg *mail.Message) error
}

// NewTransport builds the transport selected by cfg.Transport.
func NewTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Transport, error) {
	switch cfg.Transport {
	case "", "smtp":
		return NewSMTPTransport(logger), nil
	case "ses":
		if !cfg.SESConfigured() {
			return nil, classify(ErrConfiguration, "ses transport requires SES_REGION and SES_SENDER")
		}
		return NewSESTransport(ctx, cfg.SES)
	}
	return nil, classify(ErrConfiguration, "unknown transport %q", cfg.Transport)
}

// SMTPTransport sends through the relay described by the current settings.
type SMTPTransport struct {
	logger *zap.Logger
}

// NewSMTPTransport creates a new SMTPTransport instance
func NewSMTPTransport(logger *zap.Logger) *SMTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPTransport{logger: logger}
}

func (t *SMTPTransport) Name() string { return "smtp" }

// Send dials, authenticates and sends msg in one session. There is no
// timeout beyond the dialer's own.
func (t *SMTPTransport) Send(ctx context.Context, settings AutomationSettings, msg *mail.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if settings.SMTPServer == "" {
		return errors.New("smtp server is not configured")
	}
	if settings.SkipTLSVerify {
		t.logger.Warn("TLS certificate verification is disabled", zap.String("server", settings.SMTPServer))
	}

	d := newDialer(settings.SMTPServer, settings.SMTPPort, settings.SMTPUser, settings.SMTPPassword, settings.UseTLS, settings.SkipTLSVerify)
	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("could not send email: %w", err)
	}
	return nil
}

// newDialer uses implicit TLS on 465, or on any non-submission port when
// useTLS is set. gomail upgrades with STARTTLS whenever the server offers it.
func newDialer(host string, port int, user, pass string, useTLS, skipVerify bool) *mail.Dialer {
	d := mail.NewDialer(host, port, user, pass)
	d.SSL = port == 465 || (useTLS && port != 25 && port != 587)
	d.TLSConfig = &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: skipVerify,
	}
	return d
}

// ValidateSMTPCredentials opens a session and authenticates without sending
// anything. The message is meant for operators.
func ValidateSMTPCredentials(ctx context.Context, server string, port int, user, pass string, useTLS bool) (bool, string) {
	if strings.TrimSpace(server) == "" {
		return false, "SMTP server is required"
	}
	if port < 1 || port > 65535 {
		return false, fmt.Sprintf("SMTP port %d is out of range", port)
	}
	if err := ctx.Err(); err != nil {
		return false, "Connection error: " + err.Error()
	}

	d := newDialer(server, port, user, pass, useTLS, false)
	s, err := d.Dial()
	if err != nil {
		return false, describeSMTPError(err)
	}
	s.Close()
	return true, "SMTP connection successful"
}

func describeSMTPError(err error) string {
	var tpErr *textproto.Error
	var netErr net.Error

	switch {
	case errors.As(err, &tpErr) && (tpErr.Code == 530 || tpErr.Code == 534 || tpErr.Code == 535):
		msg := "Authentication failed: " + err.Error()
		switch {
		case strings.Contains(tpErr.Msg, "5.7.8") || strings.Contains(tpErr.Msg, "BadCredentials"):
			msg += ". For Gmail, use an App Password instead of your account password."
		case strings.Contains(tpErr.Msg, "5.7.9"):
			msg += ". Gmail requires 2-Step Verification and an App Password for SMTP access."
		}
		return msg
	case errors.As(err, &tpErr):
		return "SMTP error: " + err.Error()
	case errors.As(err, &netErr):
		return "Connection error: " + err.Error()
	}
	return "Connection error: " + err.Error()
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends the raw MIME message built by gomail through SES v2.
type SESTransport struct {
	sender string
	client SendEmailAPI
}

// NewSESTransport loads AWS configuration for cfg.Region. Static credentials
// are used when both keys are set, otherwise the default chain applies.
func NewSESTransport(ctx context.Context, cfg config.SESConfig) (*SESTransport, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESTransportWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewSESTransportWithClient creates a SESTransport with a custom client.
func NewSESTransportWithClient(sender string, client SendEmailAPI) *SESTransport {
	return &SESTransport{sender: sender, client: client}
}

func (t *SESTransport) Name() string { return "ses" }

func (t *SESTransport) Send(ctx context.Context, settings AutomationSettings, msg *mail.Message) error {
	from := settings.From()
	if from == "" {
		from = t.sender
	}

	var raw bytes.Buffer
	if _, err := msg.WriteTo(&raw); err != nil {
		return fmt.Errorf("failed to build raw message: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: msg.GetHeader("To")},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw.Bytes()},
		},
	}
	if _, err := t.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("SES API request failed: %w", err)
	}
	return nil
}
