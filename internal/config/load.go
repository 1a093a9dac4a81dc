package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the service.
type Config struct {
	Debug    bool
	AuditLog bool

	HTTP   HTTPConfig
	Health HealthConfig
	Mail   MailConfig
	Resend ResendConfig
	SMTP   SMTPConfig
	DKIM   DKIMConfig
	Queue  QueueConfig

	SpoolDir string
}

// HTTPConfig configures the producer-facing API listener.
type HTTPConfig struct {
	Addr          string
	TLSCert       string
	TLSKey        string
	AdminToken    string
	AllowNetworks string
	Rate          float64
	Burst         int
}

// HealthConfig configures the probe/metrics listener.
type HealthConfig struct {
	Addr string
}

// MailConfig selects the transport and default sender.
type MailConfig struct {
	Transport string
	From      string
}

// ResendConfig holds credentials for the Resend HTTP API.
type ResendConfig struct {
	APIKey  string
	BaseURL string
}

// SMTPConfig configures the SMTP relay transport.
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	InsecureSkipVerify bool
	Hostname           string
}

// DKIMConfig enables DKIM signing for SMTP transports when Selector is set.
type DKIMConfig struct {
	Selector   string
	Domain     string
	KeyPath    string
	PrivateKey string
}

// QueueConfig tunes the dispatch queue.
type QueueConfig struct {
	PacingDelay time.Duration
	RetryDelay  time.Duration
	MaxRetries  int
	SendTimeout time.Duration
}

var defaults = map[string]any{
	"debug":     false,
	"audit_log": false,

	"http_addr":          ":3000",
	"api_tls_cert":       "",
	"api_tls_key":        "",
	"api_admin_token":    "",
	"api_allow_networks": "",
	"api_rate":           10.0,
	"api_burst":          20,

	"health_addr": ":8080",

	"mail_transport": "resend",
	"mail_from":      "COD3.0 <hola@code3mx.com>",

	"resend_api_key":  "",
	"resend_base_url": "https://api.resend.com",

	"smtp_host":                 "localhost",
	"smtp_port":                 587,
	"smtp_username":             "",
	"smtp_password":             "",
	"smtp_insecure_skip_verify": false,
	"smtp_hostname":             "",

	"smtp_dkim_selector":    "",
	"smtp_dkim_domain":      "",
	"smtp_dkim_key_path":    "",
	"smtp_dkim_private_key": "",

	"queue_pacing_delay": 600 * time.Millisecond,
	"queue_retry_delay":  time.Duration(0),
	"queue_max_retries":  3,
	"queue_send_timeout": 30 * time.Second,

	"spool_dir": "",
}

// Load resolves configuration with precedence env > file > defaults.
// path may be empty, in which case only defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Debug:    v.GetBool("debug"),
		AuditLog: v.GetBool("audit_log"),
		HTTP: HTTPConfig{
			Addr:          v.GetString("http_addr"),
			TLSCert:       strings.TrimSpace(v.GetString("api_tls_cert")),
			TLSKey:        strings.TrimSpace(v.GetString("api_tls_key")),
			AdminToken:    strings.TrimSpace(v.GetString("api_admin_token")),
			AllowNetworks: v.GetString("api_allow_networks"),
			Rate:          v.GetFloat64("api_rate"),
			Burst:         v.GetInt("api_burst"),
		},
		Health: HealthConfig{Addr: v.GetString("health_addr")},
		Mail: MailConfig{
			Transport: strings.ToLower(strings.TrimSpace(v.GetString("mail_transport"))),
			From:      strings.TrimSpace(v.GetString("mail_from")),
		},
		Resend: ResendConfig{
			APIKey:  strings.TrimSpace(v.GetString("resend_api_key")),
			BaseURL: strings.TrimSpace(v.GetString("resend_base_url")),
		},
		SMTP: SMTPConfig{
			Host:               strings.TrimSpace(v.GetString("smtp_host")),
			Port:               v.GetInt("smtp_port"),
			Username:           v.GetString("smtp_username"),
			Password:           v.GetString("smtp_password"),
			InsecureSkipVerify: v.GetBool("smtp_insecure_skip_verify"),
			Hostname:           strings.ToLower(strings.TrimSpace(v.GetString("smtp_hostname"))),
		},
		DKIM: DKIMConfig{
			Selector:   strings.TrimSpace(v.GetString("smtp_dkim_selector")),
			Domain:     strings.TrimSpace(v.GetString("smtp_dkim_domain")),
			KeyPath:    strings.TrimSpace(v.GetString("smtp_dkim_key_path")),
			PrivateKey: v.GetString("smtp_dkim_private_key"),
		},
		Queue: QueueConfig{
			PacingDelay: v.GetDuration("queue_pacing_delay"),
			RetryDelay:  v.GetDuration("queue_retry_delay"),
			MaxRetries:  v.GetInt("queue_max_retries"),
			SendTimeout: v.GetDuration("queue_send_timeout"),
		},
		SpoolDir: strings.TrimSpace(v.GetString("spool_dir")),
	}
	if cfg.SMTP.Hostname == "" {
		cfg.SMTP.Hostname = systemHostname()
	}
	// An unset retry delay follows the pacing delay.
	if cfg.Queue.RetryDelay == 0 {
		cfg.Queue.RetryDelay = 2 * cfg.Queue.PacingDelay
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.Queue.PacingDelay < 0 || c.Queue.RetryDelay < 0 {
		return fmt.Errorf("queue delays must not be negative")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.SendTimeout < 0 {
		return fmt.Errorf("QUEUE_SEND_TIMEOUT must not be negative")
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("SMTP_PORT out of range: %d", c.SMTP.Port)
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return fmt.Errorf("API_TLS_CERT and API_TLS_KEY must be set together")
	}
	if c.HTTP.Rate <= 0 || c.HTTP.Burst < 1 {
		return fmt.Errorf("API_RATE and API_BURST must be positive")
	}
	return nil
}

// systemHostname is the HELO and Message-Id domain when SMTP_HOSTNAME is unset.
func systemHostname() string {
	host, err := os.Hostname()
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if err != nil || host == "" {
		return "localhost"
	}
	return host
}
