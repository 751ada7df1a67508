package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the relay process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	ICE       ICEConfig
	Signaling SignalingConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// DBConfig is optional. When Host is empty the relay keeps call history in memory.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Pool tuning. History writes are small and bursty around call ends.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig is optional. When Host is empty signal claim tickets are process-local.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize    int
	DialTimeout time.Duration
	// OpTimeout bounds each command. Claims are checked on the signaling
	// path, so keep it well under a second.
	OpTimeout time.Duration
}

// AuthConfig is optional. When JWTSecret is empty the identity presented at
// connect time (user_id, role query params) is trusted as-is.
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	TokenTTL    time.Duration
}

type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
}

// SignalingConfig carries the call-coordination timings.
// Zero durations are replaced by defaults in Validate. A zero
// InboundRateLimit disables inbound rate limiting.
type SignalingConfig struct {
	OfferTimeout      time.Duration
	FlushDelay        time.Duration
	FlushStagger      time.Duration
	StaleAfter        time.Duration
	DedupTTL          time.Duration
	SweepInterval     time.Duration
	PresenceHeartbeat time.Duration
	InboundRateLimit  float64
}

const (
	DefaultOfferTimeout      = 45 * time.Second
	DefaultFlushDelay        = 500 * time.Millisecond
	DefaultFlushStagger      = 50 * time.Millisecond
	DefaultStaleAfter        = 2 * time.Hour
	DefaultDedupTTL          = 5 * time.Minute
	DefaultSweepInterval     = 10 * time.Minute
	DefaultPresenceHeartbeat = 20 * time.Second
	DefaultInboundRateLimit  = 50

	DefaultDBMaxOpenConns    = 10
	DefaultDBConnMaxLifetime = 30 * time.Minute
	DefaultDBConnMaxIdleTime = 5 * time.Minute

	DefaultRedisPoolSize    = 20
	DefaultRedisDialTimeout = 3 * time.Second
	DefaultRedisOpTimeout   = 500 * time.Millisecond
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	for _, o := range []struct {
		key string
		dst *int
	}{
		{"DB_MAX_OPEN_CONNS", &c.DB.MaxOpenConns},
		{"DB_MAX_IDLE_CONNS", &c.DB.MaxIdleConns},
		{"REDIS_DB", &c.Redis.DB},
		{"REDIS_POOL_SIZE", &c.Redis.PoolSize},
	} {
		n, err := optionalInt(o.key)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		*o.dst = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))

	c.ICE.STUNURLs = splitList(os.Getenv("ICE_STUN_URLS"))
	c.ICE.TURNURLs = splitList(os.Getenv("ICE_TURN_URLS"))
	c.ICE.TURNUsername = strings.TrimSpace(os.Getenv("ICE_TURN_USERNAME"))
	c.ICE.TURNCredential = os.Getenv("ICE_TURN_CREDENTIAL")

	for _, o := range []struct {
		key string
		dst *time.Duration
	}{
		{"DB_CONN_MAX_LIFETIME", &c.DB.ConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", &c.DB.ConnMaxIdleTime},
		{"REDIS_DIAL_TIMEOUT", &c.Redis.DialTimeout},
		{"REDIS_OP_TIMEOUT", &c.Redis.OpTimeout},
		{"JWT_TOKEN_TTL", &c.Auth.TokenTTL},
		{"CALL_OFFER_TIMEOUT", &c.Signaling.OfferTimeout},
		{"CALL_FLUSH_DELAY", &c.Signaling.FlushDelay},
		{"CALL_FLUSH_STAGGER", &c.Signaling.FlushStagger},
		{"CALL_STALE_AFTER", &c.Signaling.StaleAfter},
		{"SIGNAL_DEDUP_TTL", &c.Signaling.DedupTTL},
		{"SWEEP_INTERVAL", &c.Signaling.SweepInterval},
		{"PRESENCE_HEARTBEAT", &c.Signaling.PresenceHeartbeat},
	} {
		d, err := optionalDuration(o.key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*o.dst = d
	}

	c.Signaling.InboundRateLimit = DefaultInboundRateLimit
	if v := strings.TrimSpace(os.Getenv("WS_RATE_LIMIT")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("WS_RATE_LIMIT must be a number, got %q", v))
		}
		c.Signaling.InboundRateLimit = f
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the config and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.HasDatabase() {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when DB_HOST is set"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when DB_HOST is set"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}
	if c.DB.MaxOpenConns < 0 || c.DB.MaxIdleConns < 0 {
		errs = append(errs, errors.New("DB_MAX_OPEN_CONNS and DB_MAX_IDLE_CONNS must not be negative"))
	}
	if c.DB.MaxOpenConns == 0 {
		c.DB.MaxOpenConns = DefaultDBMaxOpenConns
	}
	if c.DB.MaxIdleConns == 0 {
		c.DB.MaxIdleConns = c.DB.MaxOpenConns
	}
	if c.DB.MaxIdleConns > c.DB.MaxOpenConns {
		errs = append(errs, fmt.Errorf("DB_MAX_IDLE_CONNS (%d) must not exceed DB_MAX_OPEN_CONNS (%d)", c.DB.MaxIdleConns, c.DB.MaxOpenConns))
	}
	setDuration(&c.DB.ConnMaxLifetime, DefaultDBConnMaxLifetime)
	setDuration(&c.DB.ConnMaxIdleTime, DefaultDBConnMaxIdleTime)

	if c.HasRedis() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must not be negative, got %d", c.Redis.DB))
	}
	if c.Redis.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("REDIS_POOL_SIZE must not be negative, got %d", c.Redis.PoolSize))
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = DefaultRedisPoolSize
	}
	setDuration(&c.Redis.DialTimeout, DefaultRedisDialTimeout)
	setDuration(&c.Redis.OpTimeout, DefaultRedisOpTimeout)

	if c.IsProduction() && !c.HasAuth() {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}

	if len(c.ICE.TURNURLs) > 0 && (c.ICE.TURNUsername == "" || c.ICE.TURNCredential == "") {
		errs = append(errs, errors.New("ICE_TURN_USERNAME and ICE_TURN_CREDENTIAL are required with ICE_TURN_URLS"))
	}
	if len(c.ICE.STUNURLs) == 0 {
		c.ICE.STUNURLs = []string{"stun:stun.l.google.com:19302"}
	}

	s := &c.Signaling
	setDuration(&s.OfferTimeout, DefaultOfferTimeout)
	setDuration(&s.FlushDelay, DefaultFlushDelay)
	setDuration(&s.FlushStagger, DefaultFlushStagger)
	setDuration(&s.StaleAfter, DefaultStaleAfter)
	setDuration(&s.DedupTTL, DefaultDedupTTL)
	setDuration(&s.SweepInterval, DefaultSweepInterval)
	setDuration(&s.PresenceHeartbeat, DefaultPresenceHeartbeat)
	if s.InboundRateLimit < 0 {
		errs = append(errs, fmt.Errorf("WS_RATE_LIMIT must not be negative, got %v", s.InboundRateLimit))
	}
	// Claim tickets must outlive the window in which hangup and disconnect
	// cleanup can race for the same call.
	if s.DedupTTL <= s.FlushDelay {
		errs = append(errs, errors.New("SIGNAL_DEDUP_TTL must be greater than CALL_FLUSH_DELAY"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HasDatabase() bool { return c.DB.Host != "" }

func (c Config) HasRedis() bool { return c.Redis.Host != "" }

func (c Config) HasAuth() bool { return c.Auth.JWTSecret != "" }

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string { return c.DB.DSN() }

// DSN avoids logging this string; it contains secrets.
func (d DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

func (c Config) RedisAddr() string { return c.Redis.Addr() }

func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalDuration accepts Go duration syntax ("45s", "500ms").
func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 45s, got %q", key, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %q", key, v)
	}
	return d, nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
