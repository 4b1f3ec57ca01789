package advisor

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTopN           = 10
	DefaultDigestTool     = "pt-query-digest"
	DefaultLogFile        = "./logs/analyze-mysql-slow.log"
	DefaultLLMDelay       = 5 * time.Second
	DefaultWebhookTimeout = 20 * time.Second
	DefaultMinReportBytes = 500
)

// AddressList accepts either a YAML sequence or a single comma separated scalar:
//
//	recipients: [dba@example.com, ops@example.com]
//	recipients: dba@example.com, ops@example.com
type AddressList []string

func (a *AddressList) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		*a = splitList(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			if it = strings.TrimSpace(it); it != "" {
				out = append(out, it)
			}
		}
		*a = out
		return nil
	default:
		return fmt.Errorf("line %d: expected list or comma separated string", value.Line)
	}
}

type MailFileConfig struct {
	Recipients AddressList `yaml:"recipients"`
	CC         AddressList `yaml:"cc"`
	// Auth is the SMTP auth mechanism: LOGIN, PLAIN, CRAM-MD5.
	Auth string `yaml:"auth"`
	// TLS is one of: opportunistic, mandatory, none.
	TLS string `yaml:"tls"`
}

// FileConfig holds the non-secret tunables. Secrets never live here; they come
// from the .env file.
type FileConfig struct {
	Debug          bool           `yaml:"debug"`
	WorkDir        string         `yaml:"work_dir"`
	LogFile        string         `yaml:"log_file"`
	TopN           int            `yaml:"top_n"`
	DigestTool     string         `yaml:"digest_tool"`
	LLMDelay       *time.Duration `yaml:"llm_delay"`
	LLMTimeout     time.Duration  `yaml:"llm_timeout"`
	MinReportBytes int64          `yaml:"min_report_bytes"`
	WebhookTimeout time.Duration  `yaml:"webhook_timeout"`
	Mail           MailFileConfig `yaml:"mail"`
}

func LoadFileConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Env is the environment-style key/value surface. Process environment
// variables win over values read from the .env file.
type Env map[string]string

// LoadEnv reads the .env file at path. A missing file is a ConfigError.
func LoadEnv(path string) (Env, error) {
	vals, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &ConfigError{Err: fmt.Errorf(".env file %s not found, create it with the connection details", path)}
		}
		return nil, &ConfigError{Err: fmt.Errorf("read %s: %w", path, err)}
	}
	return Env(vals), nil
}

func (e Env) Get(key string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(e[key])
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (d DatabaseConfig) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

type LLMConfig struct {
	BaseURL string
	Model   string
	// Timeout bounds one model call. Zero waits as long as the model takes.
	Timeout time.Duration
	// Delay is the fixed pause after every model call.
	Delay time.Duration
}

type MailConfig struct {
	Host       string
	Port       int
	Sender     string
	User       string
	Password   string
	Recipients []string
	CC         []string
	Auth       string
	TLS        string
}

// Config is built once at startup and passed by value into every component.
type Config struct {
	Host           string
	Debug          bool
	WorkDir        string
	LogFile        string
	TopN           int
	DigestTool     string
	MinReportBytes int64
	Database       DatabaseConfig
	LLM            LLMConfig
	Mail           MailConfig
	WebhookURL     string
	WebhookTimeout time.Duration
}

// NewConfig merges file tunables with env secrets and validates required keys.
// On a ConfigError the returned Config is still populated as far as possible so
// the caller can reach the webhook.
func NewConfig(fc *FileConfig, env Env) (Config, error) {
	if fc == nil {
		fc = &FileConfig{}
	}
	cfg := Config{
		Debug:          fc.Debug,
		WorkDir:        fc.WorkDir,
		LogFile:        fc.LogFile,
		TopN:           fc.TopN,
		DigestTool:     fc.DigestTool,
		MinReportBytes: fc.MinReportBytes,
		WebhookURL:     env.Get("WEBHOOK_URL"),
		WebhookTimeout: fc.WebhookTimeout,
		Database: DatabaseConfig{
			Host:     env.Get("DB_HOST"),
			User:     env.Get("DB_USER"),
			Password: env.Get("DB_PASSWORD"),
		},
		LLM: LLMConfig{
			BaseURL: strings.TrimRight(env.Get("LLM_API_URL"), "/"),
			Model:   env.Get("LLM_MODEL"),
			Timeout: fc.LLMTimeout,
			Delay:   DefaultLLMDelay,
		},
		Mail: MailConfig{
			Host:       env.Get("SMTP_HOST"),
			Sender:     env.Get("MAIL_SENDER"),
			User:       env.Get("MAIL_USER"),
			Password:   env.Get("MAIL_PASSWORD"),
			Recipients: fc.Mail.Recipients,
			CC:         fc.Mail.CC,
			Auth:       strings.ToUpper(strings.TrimSpace(fc.Mail.Auth)),
			TLS:        strings.ToLower(strings.TrimSpace(fc.Mail.TLS)),
		},
	}
	if fc.LLMDelay != nil {
		cfg.LLM.Delay = *fc.LLMDelay
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.LogFile == "" {
		cfg.LogFile = DefaultLogFile
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.DigestTool == "" {
		cfg.DigestTool = DefaultDigestTool
	}
	if cfg.MinReportBytes <= 0 {
		cfg.MinReportBytes = DefaultMinReportBytes
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = DefaultWebhookTimeout
	}
	if cfg.Mail.Auth == "" {
		cfg.Mail.Auth = "LOGIN"
	}
	if cfg.Mail.TLS == "" {
		cfg.Mail.TLS = "opportunistic"
	}
	if v := env.Get("MAIL_RECIPIENTS"); v != "" {
		cfg.Mail.Recipients = splitList(v)
	}
	if v := env.Get("MAIL_CC"); v != "" {
		cfg.Mail.CC = splitList(v)
	}

	var missing []string
	require := func(key, val string) {
		if val == "" {
			missing = append(missing, key)
		}
	}
	require("DB_HOST", cfg.Database.Host)
	require("DB_USER", cfg.Database.User)
	require("DB_PASSWORD", cfg.Database.Password)
	require("LLM_API_URL", cfg.LLM.BaseURL)
	require("LLM_MODEL", cfg.LLM.Model)
	require("SMTP_HOST", cfg.Mail.Host)
	require("MAIL_SENDER", cfg.Mail.Sender)
	require("MAIL_USER", cfg.Mail.User)
	require("MAIL_PASSWORD", cfg.Mail.Password)
	require("WEBHOOK_URL", cfg.WebhookURL)
	if len(cfg.Mail.Recipients) == 0 {
		missing = append(missing, "MAIL_RECIPIENTS")
	}

	var errs []error
	cfg.Database.Port, errs = parsePort(env, "DB_PORT", 3306, errs)
	cfg.Mail.Port, errs = parsePort(env, "SMTP_PORT", 0, errs)
	if cfg.Mail.Port == 0 && len(errs) == 0 {
		missing = append(missing, "SMTP_PORT")
	}

	if len(missing) > 0 || len(errs) > 0 {
		return cfg, &ConfigError{Missing: missing, Err: errors.Join(errs...)}
	}
	return cfg, nil
}

func parsePort(env Env, key string, fallback int, errs []error) (int, []error) {
	v := env.Get(key)
	if v == "" {
		return fallback, errs
	}
	p, err := strconv.Atoi(v)
	if err != nil || p <= 0 || p > 65535 {
		return fallback, append(errs, fmt.Errorf("%s: invalid port %q", key, v))
	}
	return p, errs
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
