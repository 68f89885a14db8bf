package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Telnyx     TelnyxConfig
	Deepgram   DeepgramConfig
	ElevenLabs ElevenLabsConfig
	OpenAI     OpenAIConfig
	Agent      AgentConfig
	Timing     TimingConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin the telephony provider calls back into.
	PublicBaseURL string
}

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

type TelnyxConfig struct {
	APIKey       string
	ConnectionID string
	FromNumber   string

	// PublicKey is the base64 ed25519 key used to verify webhook signatures.
	// Empty disables verification (local only).
	PublicKey string
	BaseURL   string
}

type DeepgramConfig struct {
	APIKey string
	Model  string
}

type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	ModelID string
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

// AgentConfig is the persona the agent speaks as.
type AgentConfig struct {
	Name    string
	Company string
}

// TimingConfig groups the orchestration delays, limits and sweep intervals.
type TimingConfig struct {
	AnswerDelay     time.Duration
	ListenDelay     time.Duration
	HangupGrace     time.Duration
	RecordingWindow time.Duration

	SilenceTimeout time.Duration
	MaxSilences    int
	MaxTurns       int

	ProviderTimeout time.Duration
	MaxCallDuration time.Duration
	MaxCallsPerUser int

	ProgressInterval  time.Duration
	AnalysisInterval  time.Duration
	StaleAfter        time.Duration
	InitiationTimeout time.Duration
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
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

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
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Telnyx.APIKey = os.Getenv("TELNYX_API_KEY")
	c.Telnyx.ConnectionID = strings.TrimSpace(os.Getenv("TELNYX_CONNECTION_ID"))
	c.Telnyx.FromNumber = strings.TrimSpace(os.Getenv("TELNYX_PHONE_NUMBER"))
	c.Telnyx.PublicKey = strings.TrimSpace(os.Getenv("TELNYX_PUBLIC_KEY"))
	c.Telnyx.BaseURL = strings.TrimSpace(os.Getenv("TELNYX_BASE_URL"))

	// Speech providers are optional; without keys the telephony fallbacks are used.
	c.Deepgram.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	c.Deepgram.Model = strings.TrimSpace(os.Getenv("DEEPGRAM_MODEL"))
	c.ElevenLabs.APIKey = os.Getenv("ELEVENLABS_API_KEY")
	c.ElevenLabs.VoiceID = strings.TrimSpace(os.Getenv("ELEVENLABS_VOICE_ID"))
	c.ElevenLabs.ModelID = strings.TrimSpace(os.Getenv("ELEVENLABS_MODEL_ID"))

	c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAI.Model = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))

	c.Agent.Name = strings.TrimSpace(os.Getenv("AGENT_NAME"))
	c.Agent.Company = strings.TrimSpace(os.Getenv("AGENT_COMPANY"))

	c.Timing.AnswerDelay = mustDuration("CALL_ANSWER_DELAY")
	c.Timing.ListenDelay = mustDuration("CALL_LISTEN_DELAY")
	c.Timing.HangupGrace = mustDuration("CALL_HANGUP_GRACE")
	c.Timing.RecordingWindow = mustDuration("CALL_RECORDING_WINDOW")
	c.Timing.SilenceTimeout = mustDuration("SILENCE_TIMEOUT")
	c.Timing.ProviderTimeout = mustDuration("PROVIDER_TIMEOUT")
	c.Timing.MaxCallDuration = mustDuration("CALL_MAX_DURATION")
	c.Timing.ProgressInterval = mustDuration("RECONCILE_PROGRESS_INTERVAL")
	c.Timing.AnalysisInterval = mustDuration("RECONCILE_ANALYSIS_INTERVAL")
	c.Timing.StaleAfter = mustDuration("RECONCILE_STALE_AFTER")
	c.Timing.InitiationTimeout = mustDuration("CALL_INITIATION_TIMEOUT")
	{
		n, err := optionalInt("SILENCE_MAX_PROMPTS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Timing.MaxSilences = n
	}
	{
		n, err := optionalInt("CALL_MAX_TURNS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Timing.MaxTurns = n
	}
	{
		n, err := optionalInt("CALL_MAX_PER_USER")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Timing.MaxCallsPerUser = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
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
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if !strings.HasPrefix(c.App.PublicBaseURL, "http://") && !strings.HasPrefix(c.App.PublicBaseURL, "https://") {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an http(s) URL, got %q", c.App.PublicBaseURL))
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
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Telnyx.APIKey == "" {
		errs = append(errs, errors.New("TELNYX_API_KEY is required"))
	}
	if c.Telnyx.ConnectionID == "" {
		errs = append(errs, errors.New("TELNYX_CONNECTION_ID is required"))
	}
	if c.Telnyx.FromNumber == "" {
		errs = append(errs, errors.New("TELNYX_PHONE_NUMBER is required"))
	}
	if c.IsProduction() && c.Telnyx.PublicKey == "" {
		errs = append(errs, errors.New("TELNYX_PUBLIC_KEY is required in production"))
	}
	if c.Telnyx.BaseURL == "" {
		c.Telnyx.BaseURL = "https://api.telnyx.com/v2"
	}

	// Without OPENAI_API_KEY the coordinator answers from its fallback lines.
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4"
	}
	if c.Deepgram.Model == "" {
		c.Deepgram.Model = "nova-2"
	}
	if c.ElevenLabs.VoiceID == "" {
		c.ElevenLabs.VoiceID = "pNInz6obpgDQGcFmaJgB"
	}
	if c.ElevenLabs.ModelID == "" {
		c.ElevenLabs.ModelID = "eleven_turbo_v2"
	}

	if c.Agent.Name == "" {
		c.Agent.Name = "Mike"
	}
	if c.Agent.Company == "" {
		c.Agent.Company = "WebCraft Solutions"
	}

	errs = append(errs, c.Timing.applyDefaults()...)

	return joinErrors(errs)
}

func (t *TimingConfig) applyDefaults() []error {
	setDuration(&t.AnswerDelay, 500*time.Millisecond)
	setDuration(&t.ListenDelay, 200*time.Millisecond)
	setDuration(&t.HangupGrace, 3*time.Second)
	setDuration(&t.RecordingWindow, 8*time.Second)
	setDuration(&t.SilenceTimeout, 8*time.Second)
	setDuration(&t.ProviderTimeout, 10*time.Second)
	setDuration(&t.MaxCallDuration, 10*time.Minute)
	setDuration(&t.ProgressInterval, 30*time.Second)
	setDuration(&t.AnalysisInterval, 5*time.Minute)
	setDuration(&t.StaleAfter, 30*time.Second)
	setDuration(&t.InitiationTimeout, 2*time.Minute)
	if t.MaxSilences <= 0 {
		t.MaxSilences = 3
	}
	if t.MaxTurns <= 0 {
		t.MaxTurns = 5
	}
	if t.MaxCallsPerUser <= 0 {
		t.MaxCallsPerUser = 5
	}

	var errs []error
	if t.AnalysisInterval <= t.ProgressInterval {
		errs = append(errs, errors.New("RECONCILE_ANALYSIS_INTERVAL must be greater than RECONCILE_PROGRESS_INTERVAL"))
	}
	if t.MaxCallDuration <= t.SilenceTimeout {
		errs = append(errs, errors.New("CALL_MAX_DURATION must be greater than SILENCE_TIMEOUT"))
	}
	return errs
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// WebhookURL is where the telephony provider posts call events.
func (c Config) WebhookURL() string {
	return c.App.PublicBaseURL + "/webhooks/telnyx"
}

// StreamURL is the websocket the telephony provider forks call audio into.
func (c Config) StreamURL() string {
	u := c.App.PublicBaseURL + "/streams/audio/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
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
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalInt returns 0 when unset so Validate can apply the default.
func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
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
