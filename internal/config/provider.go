package config

import "fmt"

// Provider names the LLM backend that drives the browser agent.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderDeepSeek   Provider = "deepseek"
	ProviderClaudeCode Provider = "claude-code"
)

const deepSeekBaseURL = "https://api.deepseek.com"

// LLM is the provider selection resolved once at startup.
type LLM struct {
	Provider Provider
	APIKey   string
	Model    string
	BaseURL  string
}

// ResolveLLM turns the agent settings into a single provider choice. An
// explicit LLM_PROVIDER wins; otherwise the first credential present in the
// order openai, anthropic, deepseek selects the provider.
func (e *AgentEnv) ResolveLLM() (*LLM, error) {
	p := Provider(e.Provider)
	if p == "" {
		switch {
		case e.OpenAIKey != "":
			p = ProviderOpenAI
		case e.AnthropicKey != "":
			p = ProviderAnthropic
		case e.DeepSeekKey != "":
			p = ProviderDeepSeek
		default:
			return nil, fmt.Errorf("%w: LLM_PROVIDER or one of OPENAI_API_KEY, ANTHROPIC_API_KEY, DEEPSEEK_API_KEY", ErrMissingSetting)
		}
	}

	switch p {
	case ProviderOpenAI:
		if e.OpenAIKey == "" {
			return nil, missing("OPENAI_API_KEY")
		}
		return &LLM{Provider: p, APIKey: e.OpenAIKey, Model: e.OpenAIModel}, nil
	case ProviderAnthropic:
		if e.AnthropicKey == "" {
			return nil, missing("ANTHROPIC_API_KEY")
		}
		return &LLM{Provider: p, APIKey: e.AnthropicKey, Model: e.AnthropicModel}, nil
	case ProviderDeepSeek:
		if e.DeepSeekKey == "" {
			return nil, missing("DEEPSEEK_API_KEY")
		}
		return &LLM{Provider: p, APIKey: e.DeepSeekKey, Model: e.DeepSeekModel, BaseURL: deepSeekBaseURL}, nil
	case ProviderClaudeCode:
		// Claude Code authenticates itself; a key is passed through when set.
		return &LLM{Provider: p, APIKey: e.AnthropicKey, Model: e.AnthropicModel}, nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", e.Provider)
	}
}
