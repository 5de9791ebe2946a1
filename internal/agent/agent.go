package agent

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"blood-test-analyzer/internal/config"
	"blood-test-analyzer/internal/models"
)

// Capability produces one stage's analysis text for a query and an extracted
// report. Implementations never mutate shared state; errors are returned, not
// panicked.
type Capability interface {
	Invoke(ctx context.Context, query, report string) (string, error)
}

// Registry holds the four configured agents, selected by stage name.
type Registry struct {
	agents map[string]Capability
}

// NewRegistry builds an LLM-backed agent per stage from configuration.
func NewRegistry(cfg config.Config) (*Registry, error) {
	model, err := newModel(cfg)
	if err != nil {
		return nil, err
	}
	agents := make(map[string]Capability, len(stagePrompts))
	for stage, system := range stagePrompts {
		agents[stage] = &llmAgent{model: model, system: system}
	}
	return &Registry{agents: agents}, nil
}

// NewRegistryWith wires explicit capabilities per stage. Used by tests.
func NewRegistryWith(agents map[string]Capability) *Registry {
	return &Registry{agents: agents}
}

// ForStage returns the agent configured for a stage name.
func (r *Registry) ForStage(name string) (Capability, error) {
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("no agent configured for stage %q", name)
	}
	return a, nil
}

func newModel(cfg config.Config) (llms.Model, error) {
	switch cfg.LLMProvider {
	case "ollama":
		model, err := ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return model, nil

	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return model, nil

	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err := anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return model, nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}
}

type llmAgent struct {
	model  llms.Model
	system string
}

func (a *llmAgent) Invoke(ctx context.Context, query, report string) (string, error) {
	userPrompt := fmt.Sprintf("Patient question: %s\n\nBlood test report:\n%s", query, report)

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, a.system),
		llms.TextParts(schema.ChatMessageTypeHuman, userPrompt),
	}

	response, err := a.model.GenerateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return response.Choices[0].Content, nil
}

var stagePrompts = map[string]string{
	models.StageDoctor: `You are an experienced physician reviewing a blood test report.
Explain the clinically relevant findings to the patient in plain language,
flag values outside their reference ranges, and answer the patient's question.
Recommend consulting a doctor in person for anything requiring diagnosis.`,

	models.StageVerifier: `You are a medical document verifier.
Confirm the provided document is a blood test report, check that the listed
markers, units and reference ranges are internally consistent, and call out
anything that looks malformed, missing or implausible.`,

	models.StageNutritionist: `You are a clinical nutritionist.
Based on the blood test markers, suggest dietary adjustments that could help
move out-of-range values toward their reference ranges. Be specific about
foods and nutrients, and note where evidence is limited.`,

	models.StageExercise: `You are an exercise physiologist.
Based on the blood test markers, propose a safe weekly exercise plan,
adjusting intensity for any markers that suggest caution. Note when a medical
clearance should come first.`,
}
