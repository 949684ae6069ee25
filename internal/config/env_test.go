package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnv_Defaults(t *testing.T) {
	t.Setenv("AWS_SQS_QUEUE_URL", "https://sqs.us-east-1.amazonaws.com/123/tasks")

	env, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, "8000", env.HTTPPort)
	assert.Equal(t, "us-east-1", env.AWSEnv.Region)
	assert.Equal(t, 5, env.Concurrency())
	assert.Equal(t, 300*time.Second, env.DefaultTimeout())
	assert.Equal(t, 30*time.Second, env.CallbackEnv.Timeout())
	assert.Equal(t, "browser-automation", env.KeyPrefix)
	assert.NoError(t, env.QueueEnv.Validate())
}

func TestLoadEnv_Overrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_TASKS", "12")
	t.Setenv("DEFAULT_TIMEOUT", "60")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("TASK_RETENTION", "24h")

	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, 12, env.Concurrency())
	assert.Equal(t, time.Minute, env.DefaultTimeout())
	assert.Equal(t, "eu-west-1", env.S3Region())
	assert.Equal(t, 24*time.Hour, env.TaskRetention)
}

func TestTaskTimeout(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, TaskTimeout(1.5))
	assert.Equal(t, MaxTaskTimeout, TaskTimeout(86400))
	assert.Equal(t, MaxTaskTimeout, TaskTimeout(1e15))

	env := &ProcessorEnv{DefaultTimeoutSeconds: 1 << 40}
	assert.Equal(t, MaxTaskTimeout, env.DefaultTimeout())
}

func TestValidate_MissingSettings(t *testing.T) {
	assert.ErrorIs(t, (&QueueEnv{}).Validate(), ErrMissingSetting)
	assert.ErrorIs(t, (&StorageEnv{Type: "s3"}).Validate(), ErrMissingSetting)
	assert.NoError(t, (&StorageEnv{Type: "local", LocalDir: "x"}).Validate())
	assert.Error(t, (&StorageEnv{Type: "gcs"}).Validate())
	assert.ErrorIs(t, (&CallbackEnv{}).Validate(), ErrMissingSetting)
}

func TestQueueEnv_Clamping(t *testing.T) {
	q := &QueueEnv{MaxMessages: 50, WaitTimeSeconds: 90}
	assert.Equal(t, int32(10), q.BatchSize())
	assert.Equal(t, 20*time.Second, q.WaitTime())

	q = &QueueEnv{MaxMessages: 0, WaitTimeSeconds: -1}
	assert.Equal(t, int32(1), q.BatchSize())
	assert.Equal(t, time.Duration(0), q.WaitTime())
}

func TestResolveLLM(t *testing.T) {
	tests := []struct {
		name    string
		env     AgentEnv
		want    Provider
		wantErr bool
	}{
		{name: "explicit", env: AgentEnv{Provider: "anthropic", AnthropicKey: "k"}, want: ProviderAnthropic},
		{name: "first key wins", env: AgentEnv{OpenAIKey: "a", DeepSeekKey: "b"}, want: ProviderOpenAI},
		{name: "deepseek", env: AgentEnv{DeepSeekKey: "b"}, want: ProviderDeepSeek},
		{name: "claude code without key", env: AgentEnv{Provider: "claude-code"}, want: ProviderClaudeCode},
		{name: "explicit without key", env: AgentEnv{Provider: "openai"}, wantErr: true},
		{name: "nothing set", env: AgentEnv{}, wantErr: true},
		{name: "unknown", env: AgentEnv{Provider: "mystery"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm, err := tt.env.ResolveLLM()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, llm.Provider)
		})
	}
}

func TestResolveLLM_DeepSeekBaseURL(t *testing.T) {
	llm, err := (&AgentEnv{DeepSeekKey: "k", DeepSeekModel: "deepseek-reasoner"}).ResolveLLM()
	require.NoError(t, err)
	assert.Equal(t, "https://api.deepseek.com", llm.BaseURL)
	assert.Equal(t, "deepseek-reasoner", llm.Model)
}
