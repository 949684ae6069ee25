package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/kazz187/browserd/internal/agent"
	"github.com/kazz187/browserd/internal/config"
	"github.com/kazz187/browserd/internal/scan"
	"github.com/kazz187/browserd/pkg/storage"
)

func loadAWSConfig(ctx context.Context, env *config.Env) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(env.AWSEnv.Region)}
	if env.AccessKeyID != "" && env.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(env.AccessKeyID, env.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	return cfg, nil
}

func newStorage(cfg aws.Config, env *config.Env) (storage.Storage, error) {
	if err := env.StorageEnv.Validate(); err != nil {
		return nil, err
	}
	switch env.StorageEnv.Type {
	case "local":
		return storage.NewLocalStorage(env.LocalDir)
	default:
		return storage.NewS3Storage(cfg, env.Bucket, env.S3Region()), nil
	}
}

// newAgent resolves the LLM provider once; a bad agent setup is fatal for
// serve.
func newAgent(env *config.Env) (agent.Agent, *agent.Profile, error) {
	profile, err := agent.LoadProfile(env.ProfilePath)
	if err != nil {
		return nil, nil, err
	}
	llm, err := env.AgentEnv.ResolveLLM()
	if err != nil {
		return nil, nil, err
	}
	ag, err := agent.New(llm, &env.AgentEnv, profile)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("agent configured", "provider", llm.Provider, "model", llm.Model)
	return ag, profile, nil
}

func newScanner(env *config.Env, ag agent.Agent) *scan.Scanner {
	return scan.New(scan.WithGoalExtractor(&scan.AgentGoals{Agent: ag, ScratchDir: env.ScratchDir}))
}
