package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mail-automation/config"
)

// MaskedSecret replaces a non-empty password on every outward read.
const MaskedSecret = "********"

const defaultSMTPPort = 587

// AutomationSettings is the mutable configuration used by delivery runs.
type AutomationSettings struct {
	SenderEmail          string `json:"senderEmail"`
	SMTPServer           string `json:"smtpServer"`
	SMTPPort             int    `json:"smtpPort"`
	SMTPUser             string `json:"smtpUser"`
	SMTPPassword         string `json:"smtpPassword"`
	UseTLS               bool   `json:"useTls"`
	SkipTLSVerify        bool   `json:"skipTlsVerify"`
	RetryOnFailure       bool   `json:"retryOnFailure"`
	RetryIntervalMinutes int    `json:"retryIntervalMinutes"`
	ActiveTemplateID     string `json:"activeTemplateId"`
}

// From returns the sender identity, falling back to the SMTP account.
func (s AutomationSettings) From() string {
	if s.SenderEmail != "" {
		return s.SenderEmail
	}
	return s.SMTPUser
}

// RetryInterval is RetryIntervalMinutes as a duration.
func (s AutomationSettings) RetryInterval() time.Duration {
	return time.Duration(s.RetryIntervalMinutes) * time.Minute
}

// SettingsUpdate is a partial update. Nil fields keep their current value.
type SettingsUpdate struct {
	SenderEmail          *string `json:"senderEmail,omitempty"`
	SMTPServer           *string `json:"smtpServer,omitempty"`
	SMTPPort             *int    `json:"smtpPort,omitempty"`
	SMTPUser             *string `json:"smtpUser,omitempty"`
	SMTPPassword         *string `json:"smtpPassword,omitempty"`
	UseTLS               *bool   `json:"useTls,omitempty"`
	SkipTLSVerify        *bool   `json:"skipTlsVerify,omitempty"`
	RetryOnFailure       *bool   `json:"retryOnFailure,omitempty"`
	RetryIntervalMinutes *int    `json:"retryIntervalMinutes,omitempty"`
	ActiveTemplateID     *string `json:"activeTemplateId,omitempty"`
}

// SettingsManager owns the process-wide AutomationSettings.
type SettingsManager struct {
	mu      sync.RWMutex
	current AutomationSettings
	logger  *zap.Logger
}

// NewSettingsManager seeds the settings from the loaded configuration.
func NewSettingsManager(cfg *config.Config, logger *zap.Logger) *SettingsManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := AutomationSettings{
		SenderEmail:          cfg.SMTP.FromEmail,
		SMTPPort:             defaultSMTPPort,
		SMTPUser:             cfg.SMTP.AuthUser,
		SMTPPassword:         cfg.SMTP.AuthPass,
		UseTLS:               cfg.SMTP.UseTLS,
		SkipTLSVerify:        cfg.SMTP.SkipTLSVerify,
		RetryOnFailure:       cfg.Automation.RetryOnFailure,
		RetryIntervalMinutes: cfg.Automation.RetryIntervalMinutes,
		ActiveTemplateID:     cfg.Automation.ActiveTemplateID,
	}
	if host, port, err := cfg.SMTPHostPort(); err == nil {
		s.SMTPServer, s.SMTPPort = host, port
	} else if cfg.SMTP.MailHub != "" {
		logger.Warn("ignoring MAILHUB", zap.Error(err))
	}
	if cfg.Transport == "ses" && s.SenderEmail == "" {
		s.SenderEmail = cfg.SES.Sender
	}

	return &SettingsManager{current: s, logger: logger}
}

// Get returns the unmasked settings for internal use by the pipeline.
func (m *SettingsManager) Get() AutomationSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Masked returns the settings with the password hidden.
func (m *SettingsManager) Masked() AutomationSettings {
	return mask(m.Get())
}

// Update merges u over the current settings. An invalid update is rejected
// with ErrConfiguration and nothing changes. The result is masked.
func (m *SettingsManager) Update(u SettingsUpdate) (AutomationSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current
	var changed []string

	if u.SenderEmail != nil {
		if *u.SenderEmail != "" && !ValidEmail(*u.SenderEmail) {
			return mask(m.current), classify(ErrConfiguration, "sender email %q is not a valid email address", *u.SenderEmail)
		}
		next.SenderEmail = *u.SenderEmail
		changed = append(changed, "senderEmail")
	}
	if u.SMTPServer != nil {
		next.SMTPServer = *u.SMTPServer
		changed = append(changed, "smtpServer")
	}
	if u.SMTPPort != nil {
		if *u.SMTPPort < 1 || *u.SMTPPort > 65535 {
			return mask(m.current), classify(ErrConfiguration, "smtp port %d is out of range", *u.SMTPPort)
		}
		next.SMTPPort = *u.SMTPPort
		changed = append(changed, "smtpPort")
	}
	if u.SMTPUser != nil {
		next.SMTPUser = *u.SMTPUser
		changed = append(changed, "smtpUser")
	}
	// Echoing the mask back from a previous read leaves the password alone.
	if u.SMTPPassword != nil && *u.SMTPPassword != MaskedSecret {
		next.SMTPPassword = *u.SMTPPassword
		changed = append(changed, "smtpPassword")
	}
	if u.UseTLS != nil {
		next.UseTLS = *u.UseTLS
		changed = append(changed, "useTls")
	}
	if u.SkipTLSVerify != nil {
		next.SkipTLSVerify = *u.SkipTLSVerify
		changed = append(changed, "skipTlsVerify")
	}
	if u.RetryOnFailure != nil {
		next.RetryOnFailure = *u.RetryOnFailure
		changed = append(changed, "retryOnFailure")
	}
	if u.RetryIntervalMinutes != nil {
		if *u.RetryIntervalMinutes < 1 {
			return mask(m.current), classify(ErrConfiguration, "retry interval must be at least one minute, got %d", *u.RetryIntervalMinutes)
		}
		next.RetryIntervalMinutes = *u.RetryIntervalMinutes
		changed = append(changed, "retryIntervalMinutes")
	}
	if u.ActiveTemplateID != nil {
		if *u.ActiveTemplateID == "" {
			return mask(m.current), classify(ErrConfiguration, "active template id cannot be empty")
		}
		next.ActiveTemplateID = *u.ActiveTemplateID
		changed = append(changed, "activeTemplateId")
	}

	m.current = next
	m.logger.Info("automation settings updated", zap.Strings("fields", changed))
	return mask(next), nil
}

func mask(s AutomationSettings) AutomationSettings {
	if s.SMTPPassword != "" {
		s.SMTPPassword = MaskedSecret
	}
	return s
}
