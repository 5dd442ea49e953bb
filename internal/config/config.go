package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the bridge process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Signaling SignalingConfig
	Telephony TelephonyConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for hosted-Postgres posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// SignalingConfig describes the websocket media relay that carries the local
// (agent-side) call leg.
type SignalingConfig struct {
	SocketURL string
	Login     string
	Password  string

	// ConnectTimeout bounds transport dial + login; exceeding it is fatal
	// to the call attempt.
	ConnectTimeout time.Duration
}

// TelephonyConfig describes the PSTN backend that carries the remote call leg.
type TelephonyConfig struct {
	BaseURL   string
	APIUser   string
	APISecret string

	// CallerNumber is the presented caller ID for outbound legs (E.164).
	CallerNumber string

	// NotifyBaseURL is the public base URL the backend posts leg-state
	// webhooks to.
	NotifyBaseURL string

	// AnswerTimeout bounds the wait for the remote leg to answer.
	AnswerTimeout time.Duration

	// BridgeRetryBackoff is the pause before the single bridge retry.
	BridgeRetryBackoff time.Duration
}

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
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Signaling.SocketURL = strings.TrimSpace(os.Getenv("SIGNALING_SOCKET_URL"))
	c.Signaling.Login = strings.TrimSpace(os.Getenv("SIGNALING_LOGIN"))
	c.Signaling.Password = os.Getenv("SIGNALING_PASSWORD")
	c.Signaling.ConnectTimeout = mustDuration("SIGNALING_CONNECT_TIMEOUT")

	c.Telephony.BaseURL = strings.TrimSpace(os.Getenv("TELEPHONY_BASE_URL"))
	c.Telephony.APIUser = strings.TrimSpace(os.Getenv("TELEPHONY_API_USER"))
	c.Telephony.APISecret = os.Getenv("TELEPHONY_API_SECRET")
	c.Telephony.CallerNumber = strings.TrimSpace(os.Getenv("TELEPHONY_CALLER_NUMBER"))
	c.Telephony.NotifyBaseURL = strings.TrimSpace(os.Getenv("TELEPHONY_NOTIFY_BASE_URL"))
	c.Telephony.AnswerTimeout = mustDuration("TELEPHONY_ANSWER_TIMEOUT")
	c.Telephony.BridgeRetryBackoff = mustDuration("TELEPHONY_BRIDGE_RETRY_BACKOFF")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

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

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Signaling.SocketURL == "" {
		errs = append(errs, errors.New("SIGNALING_SOCKET_URL is required"))
	} else if !strings.HasPrefix(c.Signaling.SocketURL, "ws://") && !strings.HasPrefix(c.Signaling.SocketURL, "wss://") {
		errs = append(errs, fmt.Errorf("SIGNALING_SOCKET_URL must be a ws:// or wss:// URL, got %q", c.Signaling.SocketURL))
	}
	if c.Signaling.Login == "" {
		errs = append(errs, errors.New("SIGNALING_LOGIN is required"))
	}
	if c.Signaling.Password == "" {
		errs = append(errs, errors.New("SIGNALING_PASSWORD is required"))
	}
	if c.Signaling.ConnectTimeout <= 0 {
		c.Signaling.ConnectTimeout = 10 * time.Second
	}

	if c.Telephony.BaseURL == "" {
		errs = append(errs, errors.New("TELEPHONY_BASE_URL is required"))
	}
	if c.Telephony.APIUser == "" {
		errs = append(errs, errors.New("TELEPHONY_API_USER is required"))
	}
	if c.Telephony.APISecret == "" {
		errs = append(errs, errors.New("TELEPHONY_API_SECRET is required"))
	}
	if c.Telephony.CallerNumber == "" {
		errs = append(errs, errors.New("TELEPHONY_CALLER_NUMBER is required"))
	} else if !isValidE164(c.Telephony.CallerNumber) {
		errs = append(errs, fmt.Errorf("TELEPHONY_CALLER_NUMBER must be E.164, got %q", c.Telephony.CallerNumber))
	}
	if c.Telephony.NotifyBaseURL == "" {
		errs = append(errs, errors.New("TELEPHONY_NOTIFY_BASE_URL is required"))
	}
	if c.Telephony.AnswerTimeout <= 0 {
		// Remote legs that never answer must not hold resources forever.
		c.Telephony.AnswerTimeout = 45 * time.Second
	}
	if c.Telephony.BridgeRetryBackoff <= 0 {
		c.Telephony.BridgeRetryBackoff = 2 * time.Second
	}

	return joinErrors(errs)
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c *Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
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

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
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

// isValidE164 accepts +<digits>.
func isValidE164(phone string) bool {
	if len(phone) < 3 || len(phone) > 16 {
		return false
	}
	if phone[0] != '+' {
		return false
	}
	for _, c := range phone[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
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
