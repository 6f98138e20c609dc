package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Log struct {
		Level string `yaml:"level"` // debug | info | warn | error
	} `yaml:"log"`

	Server struct {
		Addr        string `yaml:"addr"`
		AdminAPIKey string `yaml:"admin_api_key"` // protege /v1/deliveries; vacío => endpoints deshabilitados
	} `yaml:"server"`

	Federation struct {
		Domain          string        `yaml:"domain"` // dominio propio, usado en keyId
		UserAgent       string        `yaml:"user_agent"`
		DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
		MaxRetries      int           `yaml:"max_retries"`
		RetryDelay      time.Duration `yaml:"retry_delay"`
		MaxConcurrent   int           `yaml:"max_concurrent"`
	} `yaml:"federation"`

	Keys struct {
		Dir              string        `yaml:"dir"`
		RotationInterval time.Duration `yaml:"rotation_interval"`
		Overlap          time.Duration `yaml:"overlap"`
		KeySize          int           `yaml:"key_size"`
		CheckInterval    time.Duration `yaml:"check_interval"`
		RotateBefore     time.Duration `yaml:"rotate_before"`
		ErrorCooldown    time.Duration `yaml:"error_cooldown"`
		// MasterKey sella los PEM privados en disco (base64/hex/passphrase). Vacío => PEM plano.
		MasterKey string `yaml:"master_key"`
	} `yaml:"keys"`

	Signature struct {
		ClockSkew time.Duration `yaml:"clock_skew"`
		// KeyCacheTTL: cache de claves públicas remotas resueltas por keyId.
		KeyCacheTTL time.Duration `yaml:"key_cache_ttl"`
	} `yaml:"signature"`

	Rate struct {
		Requests int           `yaml:"requests"`
		Period   time.Duration `yaml:"period"`
		Burst    int           `yaml:"burst"`
		StateTTL time.Duration `yaml:"state_ttl"`
	} `yaml:"rate"`

	Queue struct {
		Driver          string        `yaml:"driver"` // memory | redis | postgres
		MaxAttempts     int           `yaml:"max_attempts"`
		BatchSize       int           `yaml:"batch_size"`
		PollInterval    time.Duration `yaml:"poll_interval"`
		ErrorBackoff    time.Duration `yaml:"error_backoff"`
		MaxErrorBackoff time.Duration `yaml:"max_error_backoff"`
		Redis           struct {
			Addr     string `yaml:"addr"`
			DB       int    `yaml:"db"`
			Password string `yaml:"password"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		Postgres struct {
			DSN      string `yaml:"dsn"`
			MaxConns int32  `yaml:"max_conns"`
			Migrate  bool   `yaml:"migrate"`
		} `yaml:"postgres"`
	} `yaml:"queue"`

	Discovery struct {
		Cache struct {
			Kind   string        `yaml:"kind"` // memory | redis
			TTL    time.Duration `yaml:"ttl"`
			Prefix string        `yaml:"prefix"`
		} `yaml:"cache"`
	} `yaml:"discovery"`
}

// Load lee el YAML en path, aplica defaults, overrides por env y valida.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c.finish()
}

// FromEnv arma la config sólo con defaults + variables de entorno.
func FromEnv() (*Config, error) {
	var c Config
	return c.finish()
}

func (c *Config) finish() (*Config, error) {
	c.applyEnvOverrides()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	f := &c.Federation
	if f.UserAgent == "" {
		f.UserAgent = "hellofed/1.0"
	}
	if f.DeliveryTimeout == 0 {
		f.DeliveryTimeout = 30 * time.Second
	}
	if f.MaxRetries == 0 {
		f.MaxRetries = 3
	}
	if f.RetryDelay == 0 {
		f.RetryDelay = 20 * time.Second
	}
	if f.MaxConcurrent == 0 {
		f.MaxConcurrent = 10
	}

	k := &c.Keys
	if k.Dir == "" {
		k.Dir = "./data/keys"
	}
	if k.RotationInterval == 0 {
		k.RotationInterval = 30 * 24 * time.Hour
	}
	if k.Overlap == 0 {
		k.Overlap = 2 * 24 * time.Hour
	}
	if k.KeySize == 0 {
		k.KeySize = 2048
	}
	if k.CheckInterval == 0 {
		k.CheckInterval = 24 * time.Hour
	}
	if k.RotateBefore == 0 {
		k.RotateBefore = 24 * time.Hour
	}
	if k.ErrorCooldown == 0 {
		k.ErrorCooldown = time.Hour
	}

	if c.Signature.ClockSkew == 0 {
		c.Signature.ClockSkew = 5 * time.Minute
	}
	if c.Signature.KeyCacheTTL == 0 {
		c.Signature.KeyCacheTTL = time.Hour
	}

	if c.Rate.Requests == 0 {
		c.Rate.Requests = 100
	}
	if c.Rate.Period == 0 {
		c.Rate.Period = time.Minute
	}
	if c.Rate.Burst == 0 {
		c.Rate.Burst = 20
	}
	if c.Rate.StateTTL == 0 {
		c.Rate.StateTTL = time.Hour
	}

	q := &c.Queue
	if q.Driver == "" {
		q.Driver = "memory"
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = 5
	}
	if q.BatchSize == 0 {
		q.BatchSize = 20
	}
	if q.PollInterval == 0 {
		q.PollInterval = time.Second
	}
	if q.ErrorBackoff == 0 {
		q.ErrorBackoff = 5 * time.Second
	}
	if q.MaxErrorBackoff == 0 {
		q.MaxErrorBackoff = time.Minute
	}
	if q.Redis.Addr == "" {
		q.Redis.Addr = "localhost:6379"
	}
	if q.Postgres.MaxConns == 0 {
		q.Postgres.MaxConns = 10
	}

	d := &c.Discovery.Cache
	if d.Kind == "" {
		d.Kind = "memory"
	}
	if d.TTL == 0 {
		d.TTL = time.Hour
	}
	if d.Prefix == "" {
		d.Prefix = "fed:discovery:"
	}
}

// Validate chequea los valores críticos.
func (c *Config) Validate() error {
	var errs []error

	dom := strings.TrimSpace(c.Federation.Domain)
	switch {
	case dom == "":
		errs = append(errs, errors.New("federation.domain is required (FED_DOMAIN)"))
	case strings.Contains(dom, "/"):
		errs = append(errs, fmt.Errorf("federation.domain must be a bare host, got %q", dom))
	default:
		if _, err := url.Parse("https://" + dom); err != nil {
			errs = append(errs, fmt.Errorf("federation.domain: %w", err))
		}
	}

	if c.Federation.MaxRetries < 0 {
		errs = append(errs, errors.New("federation.max_retries must be >= 0"))
	}
	if c.Federation.MaxConcurrent < 1 {
		errs = append(errs, errors.New("federation.max_concurrent must be >= 1"))
	}
	if c.Keys.KeySize < 2048 {
		errs = append(errs, fmt.Errorf("keys.key_size must be >= 2048, got %d", c.Keys.KeySize))
	}
	if c.Keys.Overlap >= c.Keys.RotationInterval {
		errs = append(errs, errors.New("keys.overlap must be shorter than keys.rotation_interval"))
	}
	if c.Rate.Requests < 1 || c.Rate.Burst < 0 {
		errs = append(errs, errors.New("rate.requests must be >= 1 and rate.burst >= 0"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be >= 1"))
	}

	switch c.Queue.Driver {
	case "memory", "redis":
	case "postgres":
		if strings.TrimSpace(c.Queue.Postgres.DSN) == "" {
			errs = append(errs, errors.New("queue.postgres.dsn is required when queue.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.driver: unknown %q", c.Queue.Driver))
	}
	switch c.Discovery.Cache.Kind {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("discovery.cache.kind: unknown %q", c.Discovery.Cache.Kind))
	}

	return errors.Join(errs...)
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("ADMIN_API_KEY"); ok {
		c.Server.AdminAPIKey = v
	}

	// FEDERATION
	if v, ok := getEnvStr("FED_DOMAIN"); ok {
		c.Federation.Domain = strings.TrimSpace(v)
	}
	if v, ok := getEnvStr("FED_USER_AGENT"); ok {
		c.Federation.UserAgent = v
	}
	if v, ok := getEnvDur("FED_DELIVERY_TIMEOUT"); ok {
		c.Federation.DeliveryTimeout = v
	}
	if v, ok := getEnvInt("FED_MAX_RETRIES"); ok {
		c.Federation.MaxRetries = v
	}
	if v, ok := getEnvDur("FED_RETRY_DELAY"); ok {
		c.Federation.RetryDelay = v
	}
	if v, ok := getEnvInt("FED_MAX_CONCURRENT"); ok {
		c.Federation.MaxConcurrent = v
	}

	// KEYS
	if v, ok := getEnvStr("KEYS_DIR"); ok {
		c.Keys.Dir = v
	}
	if v, ok := getEnvDur("KEYS_ROTATION_INTERVAL"); ok {
		c.Keys.RotationInterval = v
	}
	if v, ok := getEnvDur("KEYS_OVERLAP"); ok {
		c.Keys.Overlap = v
	}
	if v, ok := getEnvInt("KEYS_SIZE"); ok {
		c.Keys.KeySize = v
	}
	if v, ok := getEnvStr("KEYS_MASTER_KEY"); ok {
		c.Keys.MasterKey = v
	}

	// SIGNATURE / RATE
	if v, ok := getEnvDur("SIGNATURE_CLOCK_SKEW"); ok {
		c.Signature.ClockSkew = v
	}
	if v, ok := getEnvInt("RATE_REQUESTS"); ok {
		c.Rate.Requests = v
	}
	if v, ok := getEnvDur("RATE_PERIOD"); ok {
		c.Rate.Period = v
	}
	if v, ok := getEnvInt("RATE_BURST"); ok {
		c.Rate.Burst = v
	}

	// QUEUE
	if v, ok := getEnvStr("QUEUE_DRIVER"); ok {
		c.Queue.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvInt("QUEUE_MAX_ATTEMPTS"); ok {
		c.Queue.MaxAttempts = v
	}
	if v, ok := getEnvInt("QUEUE_BATCH_SIZE"); ok {
		c.Queue.BatchSize = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Queue.Redis.Addr = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Queue.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Queue.Redis.Password = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Queue.Redis.Prefix = v
	}
	if v, ok := getEnvStr("POSTGRES_DSN"); ok {
		c.Queue.Postgres.DSN = v
	}
	if v, ok := getEnvInt("POSTGRES_MAX_CONNS"); ok {
		c.Queue.Postgres.MaxConns = int32(v)
	}
	if v, ok := getEnvBool("POSTGRES_MIGRATE"); ok {
		c.Queue.Postgres.Migrate = v
	}

	// DISCOVERY
	if v, ok := getEnvStr("DISCOVERY_CACHE_KIND"); ok {
		c.Discovery.Cache.Kind = strings.ToLower(v)
	}
	if v, ok := getEnvDur("DISCOVERY_CACHE_TTL"); ok {
		c.Discovery.Cache.TTL = v
	}
}
