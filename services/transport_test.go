package services

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mail "gopkg.in/gomail.v2"

	"mail-automation/config"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	callCount int
	lastInput *sesv2.SendEmailInput
	err       error
}

func (m *mockSESClient) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func testMessage() *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", "billing@example.com")
	m.SetHeader("To", "ap@acme.example")
	m.SetHeader("Subject", "Invoice")
	m.SetBody("text/html", "<p>hi</p>")
	return m
}

func TestSESTransport_SendsRawMessage(t *testing.T) {
	client := &mockSESClient{}
	tr := NewSESTransportWithClient("noreply@example.com", client)

	err := tr.Send(context.Background(), AutomationSettings{SenderEmail: "billing@example.com"}, testMessage())
	require.NoError(t, err)

	assert.Equal(t, 1, client.callCount)
	in := client.lastInput
	assert.Equal(t, "billing@example.com", *in.FromEmailAddress)
	assert.Equal(t, []string{"ap@acme.example"}, in.Destination.ToAddresses)
	require.NotNil(t, in.Content.Raw)
	assert.Contains(t, string(in.Content.Raw.Data), "Subject: Invoice")
	assert.Nil(t, in.Content.Simple)
}

func TestSESTransport_FallsBackToConfiguredSender(t *testing.T) {
	client := &mockSESClient{}
	tr := NewSESTransportWithClient("noreply@example.com", client)

	require.NoError(t, tr.Send(context.Background(), AutomationSettings{}, testMessage()))
	assert.Equal(t, "noreply@example.com", *client.lastInput.FromEmailAddress)
}

func TestSESTransport_Error(t *testing.T) {
	client := &mockSESClient{err: errors.New("MessageRejected: Email address is not verified")}
	tr := NewSESTransportWithClient("noreply@example.com", client)

	err := tr.Send(context.Background(), AutomationSettings{}, testMessage())
	assert.ErrorContains(t, err, "MessageRejected")
	assert.Equal(t, 1, client.callCount)
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(context.Background(), &config.Config{Transport: "smtp"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "smtp", tr.Name())

	_, err = NewTransport(context.Background(), &config.Config{Transport: "ses"}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewTransport(context.Background(), &config.Config{Transport: "pigeon"}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSMTPTransport_RequiresServer(t *testing.T) {
	err := NewSMTPTransport(nil).Send(context.Background(), AutomationSettings{}, testMessage())
	assert.ErrorContains(t, err, "not configured")
}

func TestNewDialer(t *testing.T) {
	tests := []struct {
		port    int
		useTLS  bool
		wantSSL bool
	}{
		{port: 465, wantSSL: true},
		{port: 587, useTLS: true, wantSSL: false},
		{port: 25, useTLS: true, wantSSL: false},
		{port: 2465, useTLS: true, wantSSL: true},
		{port: 2525, useTLS: false, wantSSL: false},
	}

	for _, tt := range tests {
		d := newDialer("smtp.example.com", tt.port, "u", "p", tt.useTLS, true)
		assert.Equal(t, tt.wantSSL, d.SSL, "port %d useTLS %v", tt.port, tt.useTLS)
		assert.Equal(t, "smtp.example.com", d.TLSConfig.ServerName)
		assert.True(t, d.TLSConfig.InsecureSkipVerify)
	}
}

func TestDescribeSMTPError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantPrefix string
		wantHint   string
	}{
		{
			name:       "gmail bad credentials",
			err:        &textproto.Error{Code: 535, Msg: "5.7.8 Username and Password not accepted. BadCredentials"},
			wantPrefix: "Authentication failed: ",
			wantHint:   "App Password",
		},
		{
			name:       "gmail application specific password required",
			err:        &textproto.Error{Code: 534, Msg: "5.7.9 Application-specific password required"},
			wantPrefix: "Authentication failed: ",
			wantHint:   "2-Step Verification",
		},
		{
			name:       "mailbox unavailable",
			err:        &textproto.Error{Code: 550, Msg: "5.1.1 mailbox unavailable"},
			wantPrefix: "SMTP error: ",
		},
		{
			name:       "connection refused",
			err:        &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
			wantPrefix: "Connection error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := describeSMTPError(tt.err)
			assert.True(t, strings.HasPrefix(got, tt.wantPrefix), got)
			if tt.wantHint != "" {
				assert.Contains(t, got, tt.wantHint)
			}
		})
	}
}

func TestValidateSMTPCredentials_InputErrors(t *testing.T) {
	ok, msg := ValidateSMTPCredentials(context.Background(), "", 587, "u", "p", true)
	assert.False(t, ok)
	assert.Equal(t, "SMTP server is required", msg)

	ok, msg = ValidateSMTPCredentials(context.Background(), "smtp.example.com", 0, "u", "p", true)
	assert.False(t, ok)
	assert.Contains(t, msg, "out of range")
}

func TestValidateSMTPCredentials_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	ok, msg := ValidateSMTPCredentials(context.Background(), "127.0.0.1", port, "u", "p", false)
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(msg, "Connection error: "), msg)
}

// serveSMTP answers one session offering AUTH PLAIN without TLS and accepts
// only the given password.
func serveSMTP(t *testing.T, password string) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 localhost ESMTP test")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			verb, _, _ := strings.Cut(line, " ")
			switch strings.ToUpper(verb) {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250-localhost")
				_ = tp.PrintfLine("250 AUTH PLAIN")
			case "AUTH":
				fields := strings.Fields(line)
				raw, _ := base64.StdEncoding.DecodeString(fields[len(fields)-1])
				if strings.HasSuffix(string(raw), "\x00"+password) {
					_ = tp.PrintfLine("235 2.7.0 Accepted")
				} else {
					_ = tp.PrintfLine("535 5.7.8 Username and Password not accepted. BadCredentials")
				}
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("250 OK")
			}
		}
	}()

	return l.Addr().(*net.TCPAddr).Port
}

func TestValidateSMTPCredentials_Success(t *testing.T) {
	port := serveSMTP(t, "secret")

	ok, msg := ValidateSMTPCredentials(context.Background(), "127.0.0.1", port, "robot@example.com", "secret", false)
	assert.True(t, ok, msg)
	assert.Equal(t, "SMTP connection successful", msg)
}

func TestValidateSMTPCredentials_AuthFailure(t *testing.T) {
	port := serveSMTP(t, "secret")

	ok, msg := ValidateSMTPCredentials(context.Background(), "127.0.0.1", port, "robot@example.com", "wrong", false)
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(msg, "Authentication failed: "), msg)
	assert.Contains(t, msg, "App Password")
	assert.Contains(t, msg, strconv.Itoa(535))
}
