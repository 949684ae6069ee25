package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ErrMissingSetting is returned by a component constructor when a variable
// it cannot run without is unset.
var ErrMissingSetting = errors.New("required setting is missing")

func missing(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingSetting, name)
}

type BaseEnv struct {
	Env         string `envconfig:"ENV" default:"local"`
	HTTPHost    string `envconfig:"HTTP_HOST" default:""`
	HTTPPort    string `envconfig:"HTTP_PORT" default:"8000"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	APIKey      string `envconfig:"API_KEY"`
	EventLogDir string `envconfig:"EVENT_LOG_DIR"`
}

type AWSEnv struct {
	Region          string `envconfig:"AWS_REGION" default:"us-east-1"`
	AccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
}

type QueueEnv struct {
	QueueURL        string `envconfig:"AWS_SQS_QUEUE_URL"`
	MaxMessages     int    `envconfig:"SQS_MAX_MESSAGES" default:"1"`
	WaitTimeSeconds int    `envconfig:"SQS_WAIT_TIME_SECONDS" default:"20"`
}

type StorageEnv struct {
	Type       string        `envconfig:"STORAGE_TYPE" default:"s3"`
	Bucket     string        `envconfig:"AWS_S3_BUCKET"`
	Region     string        `envconfig:"AWS_S3_REGION"`
	KeyPrefix  string        `envconfig:"S3_KEY_PREFIX" default:"browser-automation"`
	LocalDir   string        `envconfig:"LOCAL_STORAGE_DIR" default:".browserd/artifacts"`
	PresignTTL time.Duration `envconfig:"S3_PRESIGN_TTL" default:"1h"`
}

type CallbackEnv struct {
	APIBaseURL     string `envconfig:"API_BASE_URL"`
	TimeoutSeconds int    `envconfig:"WEBHOOK_TIMEOUT" default:"30"`
}

type ProcessorEnv struct {
	MaxConcurrentTasks    int           `envconfig:"MAX_CONCURRENT_TASKS" default:"5"`
	DefaultTimeoutSeconds int           `envconfig:"DEFAULT_TIMEOUT" default:"300"`
	TaskRetention         time.Duration `envconfig:"TASK_RETENTION" default:"0"`
}

type AgentEnv struct {
	Provider       string `envconfig:"LLM_PROVIDER"`
	OpenAIKey      string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel    string `envconfig:"OPENAI_MODEL" default:"gpt-4o"`
	AnthropicKey   string `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicModel string `envconfig:"ANTHROPIC_MODEL" default:"claude-3-5-sonnet-20241022"`
	DeepSeekKey    string `envconfig:"DEEPSEEK_API_KEY"`
	DeepSeekModel  string `envconfig:"DEEPSEEK_MODEL" default:"deepseek-reasoner"`
	Command        string `envconfig:"AGENT_COMMAND" default:"browser-use-runner"`
	ProfilePath    string `envconfig:"AGENT_PROFILE"`
	ScratchDir     string `envconfig:"SCRATCH_DIR"`
}

type Env struct {
	BaseEnv
	AWSEnv
	QueueEnv
	StorageEnv
	CallbackEnv
	ProcessorEnv
	AgentEnv
}

// Variables are read without a prefix (AWS_REGION, not BROWSERD_AWS_REGION).
const namespace = ""

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (e *QueueEnv) Validate() error {
	if e.QueueURL == "" {
		return missing("AWS_SQS_QUEUE_URL")
	}
	return nil
}

// BatchSize is MaxMessages clamped to the SQS receive limit.
func (e *QueueEnv) BatchSize() int32 {
	return int32(clamp(e.MaxMessages, 1, 10))
}

// WaitTime is the long-poll duration clamped to the SQS maximum.
func (e *QueueEnv) WaitTime() time.Duration {
	return time.Duration(clamp(e.WaitTimeSeconds, 0, 20)) * time.Second
}

func (e *StorageEnv) Validate() error {
	switch e.Type {
	case "s3":
		if e.Bucket == "" {
			return missing("AWS_S3_BUCKET")
		}
	case "local":
		if e.LocalDir == "" {
			return missing("LOCAL_STORAGE_DIR")
		}
	default:
		return fmt.Errorf("unknown STORAGE_TYPE %q", e.Type)
	}
	return nil
}

// S3Region is AWS_S3_REGION when set, else AWS_REGION.
func (e *Env) S3Region() string {
	if e.StorageEnv.Region != "" {
		return e.StorageEnv.Region
	}
	return e.AWSEnv.Region
}

func (e *CallbackEnv) Validate() error {
	if e.APIBaseURL == "" {
		return missing("API_BASE_URL")
	}
	return nil
}

func (e *CallbackEnv) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

func (e *ProcessorEnv) DefaultTimeout() time.Duration {
	if e.DefaultTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return TaskTimeout(float64(e.DefaultTimeoutSeconds))
}

// MaxTaskTimeout bounds every per-task timeout.
const MaxTaskTimeout = 24 * time.Hour

// TaskTimeout converts a positive number of seconds into a duration capped at
// MaxTaskTimeout.
func TaskTimeout(seconds float64) time.Duration {
	if seconds >= MaxTaskTimeout.Seconds() {
		return MaxTaskTimeout
	}
	return time.Duration(seconds * float64(time.Second))
}

func (e *ProcessorEnv) Concurrency() int {
	if e.MaxConcurrentTasks <= 0 {
		return 1
	}
	return e.MaxConcurrentTasks
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
