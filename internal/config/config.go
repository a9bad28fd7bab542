package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Workflow WorkflowConfig
	Reaper   ReaperConfig
}

type AppConfig struct {
	Env  string
	Port int

	// StoreBackend selects the call/audit store: postgres or memory.
	StoreBackend string
}

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// WorkflowConfig describes the external analysis workflow and how the
// dispatcher talks to it.
type WorkflowConfig struct {
	URL string

	// CallbackBaseURL is this API as seen by the workflow.
	CallbackBaseURL string

	// ArtifactRoot resolves relative recording paths.
	ArtifactRoot string

	Timeout     time.Duration
	MaxElapsed  time.Duration
	Concurrency int

	// QueueTimeout bounds the wait for a dispatch slot. Together with the
	// retry budget it stays inside the reaper deadline.
	QueueTimeout time.Duration
}

type ReaperConfig struct {
	Interval time.Duration
	Deadline time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.StoreBackend = strings.TrimSpace(os.Getenv("STORE_BACKEND"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optionalInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optionalInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))

	c.Workflow.URL = strings.TrimSpace(os.Getenv("WORKFLOW_URL"))
	c.Workflow.CallbackBaseURL = strings.TrimSpace(os.Getenv("CALLBACK_BASE_URL"))
	c.Workflow.ArtifactRoot = strings.TrimSpace(os.Getenv("ARTIFACT_ROOT"))
	{
		n, err := optionalInt("DISPATCH_CONCURRENCY")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Workflow.Concurrency = n
	}

	// Durations are optional; defaults applied in Validate().
	for key, dst := range map[string]*time.Duration{
		"JWT_ACCESS_TTL":         &c.Auth.AccessTokenTTL,
		"DISPATCH_TIMEOUT":       &c.Workflow.Timeout,
		"DISPATCH_MAX_ELAPSED":   &c.Workflow.MaxElapsed,
		"DISPATCH_QUEUE_TIMEOUT": &c.Workflow.QueueTimeout,
		"REAPER_INTERVAL":        &c.Reaper.Interval,
		"REAPER_DEADLINE":        &c.Reaper.Deadline,
	} {
		d, err := mustDuration(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = d
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills defaults in place.
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
	if c.App.StoreBackend == "" {
		c.App.StoreBackend = StorePostgres
	}
	switch c.App.StoreBackend {
	case StorePostgres:
		errs = append(errs, c.validateStores()...)
	case StoreMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of postgres, memory, got %q", c.App.StoreBackend))
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
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if !isValidURL(c.Workflow.URL) {
		errs = append(errs, fmt.Errorf("WORKFLOW_URL must be an absolute http(s) url, got %q", c.Workflow.URL))
	}
	if !isValidURL(c.Workflow.CallbackBaseURL) {
		errs = append(errs, fmt.Errorf("CALLBACK_BASE_URL must be an absolute http(s) url, got %q", c.Workflow.CallbackBaseURL))
	}
	if c.Workflow.ArtifactRoot == "" {
		c.Workflow.ArtifactRoot = "."
	}
	if c.Workflow.Timeout <= 0 {
		c.Workflow.Timeout = 15 * time.Second
	}
	if c.Workflow.MaxElapsed <= 0 {
		c.Workflow.MaxElapsed = 2 * time.Minute
	}
	if c.Workflow.Concurrency <= 0 {
		c.Workflow.Concurrency = 8
	}

	if c.Reaper.Interval <= 0 {
		c.Reaper.Interval = time.Minute
	}
	if c.Reaper.Deadline <= 0 {
		c.Reaper.Deadline = 30 * time.Minute
	}
	budget := c.Workflow.MaxElapsed + c.Workflow.Timeout
	if c.Reaper.Deadline <= budget {
		errs = append(errs, errors.New("REAPER_DEADLINE must be greater than DISPATCH_MAX_ELAPSED plus DISPATCH_TIMEOUT"))
	} else {
		if c.Workflow.QueueTimeout <= 0 {
			c.Workflow.QueueTimeout = c.Reaper.Deadline - budget
		}
		if c.Workflow.QueueTimeout+budget > c.Reaper.Deadline {
			errs = append(errs, errors.New("DISPATCH_QUEUE_TIMEOUT plus the retry budget must not exceed REAPER_DEADLINE"))
		}
	}

	return joinErrors(errs)
}

func (c *Config) validateStores() []error {
	var errs []error
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

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) UsesMemoryStore() bool {
	return c.App.StoreBackend == StoreMemory
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
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

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	return parseInt(key, v)
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	return parseInt(key, v)
}

func parseInt(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
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

func isValidURL(v string) bool {
	u, err := url.Parse(v)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
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
