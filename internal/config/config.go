package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	CORSOrigins  []string      `env:"CORS_ORIGINS" envSeparator:","`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`

	// DatabaseURL is optional; without it everything is kept in memory.
	DatabaseURL string `env:"DATABASE_URL"`

	ClipDir     string `env:"CLIP_DIR" envDefault:"./clips"`
	MaxUploadMB int    `env:"MAX_UPLOAD_MB" envDefault:"50"`

	CaptureLimit     time.Duration `env:"CAPTURE_LIMIT" envDefault:"150s"`
	CaptureTimeslice time.Duration `env:"CAPTURE_TIMESLICE" envDefault:"200ms"`

	STT        STTConfig        `envPrefix:"STT_"`
	Transcribe TranscribeConfig `envPrefix:"TRANSCRIBE_"`
	Auth       AuthConfig
	SMTP       SMTPConfig `envPrefix:"SMTP_"`
	S3         S3Config   `envPrefix:"S3_"`
	MQTT       MQTTConfig `envPrefix:"MQTT_"`

	MaintenanceSchedule string        `env:"MAINTENANCE_SCHEDULE" envDefault:"@every 5m"`
	ClipRetention       time.Duration `env:"CLIP_RETENTION" envDefault:"24h"`
	AnalysisIdleTTL     time.Duration `env:"ANALYSIS_IDLE_TTL" envDefault:"2h"`
}

// STTConfig selects the speech-to-text provider.
type STTConfig struct {
	Provider   string        `env:"PROVIDER" envDefault:"elevenlabs"`
	Model      string        `env:"MODEL"`
	APIKey     string        `env:"API_KEY"`
	WhisperURL string        `env:"WHISPER_URL"`
	Language   string        `env:"LANGUAGE"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"120s"`
}

// TranscribeConfig controls how transcript requests are run.
type TranscribeConfig struct {
	Mode         string        `env:"MODE" envDefault:"sync"` // sync or queue
	Workers      int           `env:"WORKERS" envDefault:"2"`
	QueueSize    int           `env:"QUEUE_SIZE" envDefault:"100"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	PollTimeout  time.Duration `env:"POLL_TIMEOUT" envDefault:"5m"`
}

type AuthConfig struct {
	Provider     string        `env:"AUTH_PROVIDER" envDefault:"local"` // local or gotrue
	GoTrueURL    string        `env:"GOTRUE_URL"`
	GoTrueAPIKey string        `env:"GOTRUE_API_KEY"`
	OTPTTL       time.Duration `env:"OTP_TTL" envDefault:"10m"`
	SessionTTL   time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	RateLimit    float64       `env:"AUTH_RATE_LIMIT" envDefault:"1"`
	RateBurst    int           `env:"AUTH_RATE_BURST" envDefault:"5"`
}

type SMTPConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM"`
}

// Enabled reports whether an SMTP relay is configured.
func (c SMTPConfig) Enabled() bool { return c.Host != "" }

// S3Config configures the optional S3-compatible clip bucket.
type S3Config struct {
	Bucket        string        `env:"BUCKET"`
	Endpoint      string        `env:"ENDPOINT"`
	Region        string        `env:"REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"ACCESS_KEY"`
	SecretKey     string        `env:"SECRET_KEY"`
	Prefix        string        `env:"PREFIX"`
	PresignExpiry time.Duration `env:"PRESIGN_EXPIRY" envDefault:"1h"`
}

// Enabled reports whether clips go to S3 instead of CLIP_DIR.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// MQTTConfig configures the optional event mirror.
type MQTTConfig struct {
	BrokerURL   string `env:"BROKER_URL"`
	ClientID    string `env:"CLIENT_ID" envDefault:"commcoach"`
	TopicPrefix string `env:"TOPIC_PREFIX" envDefault:"commcoach"`
	Username    string `env:"USERNAME"`
	Password    string `env:"PASSWORD"`
}

func (c MQTTConfig) Enabled() bool { return c.BrokerURL != "" }

// MaxUploadBytes is MaxUploadMB in bytes.
func (c *Config) MaxUploadBytes() int { return c.MaxUploadMB << 20 }

// Validate checks combinations that env tags cannot express.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Transcribe.Mode) {
	case "sync", "queue":
	default:
		return fmt.Errorf("TRANSCRIBE_MODE must be sync or queue, got %q", c.Transcribe.Mode)
	}
	switch strings.ToLower(c.Auth.Provider) {
	case "local":
	case "gotrue":
		if c.Auth.GoTrueURL == "" {
			return fmt.Errorf("AUTH_PROVIDER=gotrue requires GOTRUE_URL")
		}
	default:
		return fmt.Errorf("AUTH_PROVIDER must be local or gotrue, got %q", c.Auth.Provider)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive")
	}
	if c.CaptureLimit < time.Second {
		return fmt.Errorf("CAPTURE_LIMIT must be at least 1s")
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	ClipDir     string
	STTProvider string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.ClipDir != "" {
		cfg.ClipDir = overrides.ClipDir
	}
	if overrides.STTProvider != "" {
		cfg.STT.Provider = overrides.STTProvider
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
