package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultMaxAttachmentBytes is 20 MiB, below the 25 MiB hard limit most SMTP
// relays enforce so that MIME overhead still fits.
const DefaultMaxAttachmentBytes int64 = 20 * 1024 * 1024

// Config holds all application configurations
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	SES        SESConfig        `yaml:"ses"`
	Transport  string           `yaml:"transport"`
	Automation AutomationConfig `yaml:"automation"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	NATS       NATSConfig       `yaml:"nats"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`

	// DotEnvLoaded reports whether a .env file was found.
	DotEnvLoaded bool `yaml:"-"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type SMTPConfig struct {
	MailHub       string `yaml:"mailhub"`
	AuthUser      string `yaml:"auth_user"`
	AuthPass      string `yaml:"auth_pass"`
	FromEmail     string `yaml:"from_email"`
	UseTLS        bool   `yaml:"use_tls"`
	SkipTLSVerify bool   `yaml:"skip_tls_verify"`
}

type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

type AutomationConfig struct {
	ArchivePath          string `yaml:"archive_path"`
	TemplateDir          string `yaml:"template_dir"`
	ActiveTemplateID     string `yaml:"active_template_id"`
	RetryOnFailure       bool   `yaml:"retry_on_failure"`
	RetryIntervalMinutes int    `yaml:"retry_interval_minutes"`
	MaxAttachmentBytes   int64  `yaml:"max_attachment_bytes"`
}

type ScheduleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Frequency string `yaml:"frequency"`
	Time      string `yaml:"time"`
	Days      []int  `yaml:"days"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
	Env     string `yaml:"env"`
}

// Load builds the configuration from defaults, then the optional YAML file at
// path, then .env and process environment variables. Non-empty environment
// variables always win.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.DotEnvLoaded = godotenv.Load() == nil
	cfg.applyEnvVars()

	return cfg, nil
}

// SMTPHostPort splits MailHub into host and port.
func (c *Config) SMTPHostPort() (string, int, error) {
	parts := strings.Split(c.SMTP.MailHub, ":")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid MAILHUB format: %s. Expected host:port", c.SMTP.MailHub)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in MAILHUB: %w", err)
	}
	return parts[0], port, nil
}

// SESConfigured returns true if region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

func (c *Config) applyDefaults() {
	c.Database.Driver = "postgres"
	c.Transport = "smtp"
	c.Automation.ArchivePath = "archive"
	c.Automation.TemplateDir = "templates"
	c.Automation.ActiveTemplateID = "default"
	c.Automation.RetryOnFailure = true
	c.Automation.RetryIntervalMinutes = 15
	c.Automation.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	c.Schedule.Frequency = "daily"
	c.Schedule.Time = "09:00"
	c.Server.Port = "8080"
	c.Logging.Level = "info"
	c.Tracing.Service = "mail-automation"
}

func (c *Config) applyEnvVars() {
	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")

	setString(&c.SMTP.MailHub, "MAILHUB")
	setString(&c.SMTP.AuthUser, "AUTHUSER")
	setString(&c.SMTP.AuthPass, "AUTHPASS")
	setString(&c.SMTP.FromEmail, "FROM_EMAIL")
	setYes(&c.SMTP.UseTLS, "USETLS")
	setYes(&c.SMTP.SkipTLSVerify, "SKIP_TLS_VERIFY")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")
	if v := os.Getenv("TRANSPORT"); v != "" {
		c.Transport = strings.ToLower(v)
	}

	setString(&c.Automation.ArchivePath, "EMAIL_ARCHIVE_PATH")
	setString(&c.Automation.TemplateDir, "TEMPLATE_DIR")
	setString(&c.Automation.ActiveTemplateID, "ACTIVE_TEMPLATE_ID")
	setBool(&c.Automation.RetryOnFailure, "RETRY_ON_FAILURE")
	if v := os.Getenv("RETRY_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Automation.RetryIntervalMinutes = n
		}
	}
	if v := os.Getenv("MAX_ATTACHMENT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Automation.MaxAttachmentBytes = n
		}
	}

	setBool(&c.Schedule.Enabled, "SCHEDULE_ENABLED")
	setString(&c.Schedule.Frequency, "SCHEDULE_FREQUENCY")
	setString(&c.Schedule.Time, "SCHEDULE_TIME")
	if v := os.Getenv("SCHEDULE_DAYS"); v != "" {
		if days, err := parseDays(v); err == nil {
			c.Schedule.Days = days
		}
	}

	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.Server.Port, "PORT")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	setBool(&c.Tracing.Enabled, "TRACING_ENABLED")
	setString(&c.Tracing.Service, "DD_SERVICE")
	setString(&c.Tracing.Env, "DD_ENV")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setYes follows the YES/NO convention of the MAILHUB-style variables.
func setYes(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "YES")
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func parseDays(v string) ([]int, error) {
	var days []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid day %q: %w", part, err)
		}
		days = append(days, n)
	}
	return days, nil
}
