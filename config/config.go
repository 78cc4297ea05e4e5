package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

const envPrefix = "HOTSPOTBILL_"

// SysConfig system level settings
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig admin api and webhook listener
type WebConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	JwtSecret string `yaml:"jwt_secret"`
}

// DBConfig database settings, type is postgres or sqlite
type DBConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// LogConfig zap logger settings
type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// RouterConfig device gateway defaults
type RouterConfig struct {
	// TimeoutSeconds caps every device call, never above 30.
	TimeoutSeconds      int  `yaml:"timeout_seconds"`
	RestartSettleMillis int  `yaml:"restart_settle_millis"`
	InsecureTLS         bool `yaml:"insecure_tls"`
	MaxWorkers          int  `yaml:"max_workers"`
}

// VoucherConfig generation defaults
type VoucherConfig struct {
	CodeLength      int    `yaml:"code_length"`
	ReferencePrefix string `yaml:"reference_prefix"`
	ExpiryDays      int    `yaml:"expiry_days"`
	ProvisionPool   int    `yaml:"provision_pool"`
	MaxRetry        int    `yaml:"max_retry"`
}

// BillingConfig settlement settings
type BillingConfig struct {
	CommissionRate     float64 `yaml:"commission_rate"`
	AmountEpsilon      float64 `yaml:"amount_epsilon"`
	Currency           string  `yaml:"currency"`
	EventRetentionDays int     `yaml:"event_retention_days"`
}

// RedisConfig optional identifier cache front
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"ttl_hours"`
}

// MailConfig operator alert delivery
type MailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type AppConfig struct {
	System   SysConfig     `yaml:"system"`
	Web      WebConfig     `yaml:"web"`
	Database DBConfig      `yaml:"database"`
	Logger   LogConfig     `yaml:"logger"`
	Router   RouterConfig  `yaml:"router"`
	Voucher  VoucherConfig `yaml:"voucher"`
	Billing  BillingConfig `yaml:"billing"`
	Redis    RedisConfig   `yaml:"redis"`
	Mail     MailConfig    `yaml:"mail"`
}

// GetLogDir returns the log directory under workdir
func (c *AppConfig) GetLogDir() string {
	return filepath.Join(c.System.Workdir, "logs")
}

// GetDataDir returns the data directory under workdir
func (c *AppConfig) GetDataDir() string {
	return filepath.Join(c.System.Workdir, "data")
}

// RouterTimeout returns the per call device timeout
func (c *AppConfig) RouterTimeout() time.Duration {
	t := c.Router.TimeoutSeconds
	if t <= 0 || t > 30 {
		t = 30
	}
	return time.Duration(t) * time.Second
}

// RestartSettleDelay returns the pause between disable and enable on restart
func (c *AppConfig) RestartSettleDelay() time.Duration {
	if c.Router.RestartSettleMillis <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Router.RestartSettleMillis) * time.Millisecond
}

// TimeLocation returns the configured zone, local time when it cannot be loaded
func (c *AppConfig) TimeLocation() *time.Location {
	if c.System.Location == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.System.Location)
	if err != nil {
		return time.Local
	}
	return loc
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "hotspotbill",
		Location: "Africa/Nairobi",
		Workdir:  "/var/hotspotbill",
		Debug:    false,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 1816,
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "hotspotbill",
		User:     "postgres",
		Passwd:   "postgres",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: false,
		Filename:   "/var/hotspotbill/logs/hotspotbill.log",
	},
	Router: RouterConfig{
		TimeoutSeconds:      30,
		RestartSettleMillis: 2000,
		MaxWorkers:          25,
	},
	Voucher: VoucherConfig{
		CodeLength:      8,
		ReferencePrefix: "HB",
		ExpiryDays:      30,
		ProvisionPool:   8,
		MaxRetry:        3,
	},
	Billing: BillingConfig{
		CommissionRate:     0.05,
		AmountEpsilon:      0.01,
		Currency:           "KES",
		EventRetentionDays: 365,
	},
	Redis: RedisConfig{
		Addr:     "127.0.0.1:6379",
		TTLHours: 24,
	},
}

// Validate rejects settings that the services cannot run with
func (c *AppConfig) Validate() error {
	switch c.Database.Type {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	if c.Billing.CommissionRate < 0 || c.Billing.CommissionRate > 1 {
		return errors.New("billing.commission_rate must be within [0, 1]")
	}
	if c.Billing.AmountEpsilon < 0 {
		return errors.New("billing.amount_epsilon must not be negative")
	}
	if c.Voucher.CodeLength < 6 || c.Voucher.CodeLength > 16 {
		return errors.New("voucher.code_length must be within [6, 16]")
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid web.port %d", c.Web.Port)
	}
	return nil
}

// LoadConfig reads the yaml file, falls back to defaults when the file is absent,
// then applies HOTSPOTBILL_* environment overrides.
func LoadConfig(cfile string) (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := *DefaultAppConfig
	if cfile == "" {
		cfile = os.Getenv(envPrefix + "CONFIG")
	}
	if cfile != "" {
		data, err := os.ReadFile(cfile)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", cfile, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", cfile, err)
		}
	}

	applyEnv(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *AppConfig, lookup lookupFunc) {
	setString := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok {
			if n, err := cast.ToIntE(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := lookup(envPrefix + key); ok {
			if b, err := cast.ToBoolE(v); err == nil {
				*dst = b
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := lookup(envPrefix + key); ok {
			if f, err := cast.ToFloat64E(v); err == nil {
				*dst = f
			}
		}
	}

	setString("SYSTEM_WORKDIR", &cfg.System.Workdir)
	setString("SYSTEM_LOCATION", &cfg.System.Location)
	setBool("SYSTEM_DEBUG", &cfg.System.Debug)

	setString("WEB_HOST", &cfg.Web.Host)
	setInt("WEB_PORT", &cfg.Web.Port)
	setString("WEB_JWT_SECRET", &cfg.Web.JwtSecret)

	setString("DB_TYPE", &cfg.Database.Type)
	setString("DB_HOST", &cfg.Database.Host)
	setInt("DB_PORT", &cfg.Database.Port)
	setString("DB_NAME", &cfg.Database.Name)
	setString("DB_USER", &cfg.Database.User)
	setString("DB_PWD", &cfg.Database.Passwd)
	setBool("DB_DEBUG", &cfg.Database.Debug)

	setString("LOGGER_MODE", &cfg.Logger.Mode)
	setBool("LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	setInt("ROUTER_TIMEOUT_SECONDS", &cfg.Router.TimeoutSeconds)
	setInt("ROUTER_RESTART_SETTLE_MILLIS", &cfg.Router.RestartSettleMillis)

	setInt("VOUCHER_EXPIRY_DAYS", &cfg.Voucher.ExpiryDays)
	setInt("VOUCHER_PROVISION_POOL", &cfg.Voucher.ProvisionPool)

	setFloat("BILLING_COMMISSION_RATE", &cfg.Billing.CommissionRate)
	setString("BILLING_CURRENCY", &cfg.Billing.Currency)

	setBool("REDIS_ENABLED", &cfg.Redis.Enabled)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)

	setBool("MAIL_ENABLED", &cfg.Mail.Enabled)
	setString("MAIL_HOST", &cfg.Mail.Host)
	setInt("MAIL_PORT", &cfg.Mail.Port)
	setString("MAIL_USERNAME", &cfg.Mail.Username)
	setString("MAIL_PASSWORD", &cfg.Mail.Password)
	setString("MAIL_FROM", &cfg.Mail.From)
	if v, ok := lookup(envPrefix + "MAIL_TO"); ok {
		cfg.Mail.To = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
