package config

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Command string   `json:"command"`          // CLI binary name (e.g., "claude", "codex", "goose")
	Args    []string `json:"args,omitempty"`   // Default args appended to every invocation
	Type    string   `json:"type"`             // Backend type: "claude", "codex", "goose"
}

// AgentConfig defines a role that uses a specific provider and model.
type AgentConfig struct {
	Provider     string   `json:"provider"`               // Key into Providers map
	Model        string   `json:"model,omitempty"`        // Model override (e.g., "opus-4", "gpt-4.1")
	SystemPrompt string   `json:"system_prompt,omitempty"` // Role-specific system prompt
	Tools        []string `json:"tools,omitempty"`         // Allowed tools for this role
}

// WorkflowStepConfig defines one step in a workflow pipeline.
type WorkflowStepConfig struct {
	Agent string `json:"agent"` // Key into Agents map
}

// WorkflowConfig defines a pipeline of agent steps (e.g., code -> review -> test).
type WorkflowConfig struct {
	Steps []WorkflowStepConfig `json:"steps"`
}

// PipelineConfig controls the develop/review/merge scheduler itself, as
// opposed to which CLI backend an agent role shells out to.
type PipelineConfig struct {
	MaxConcurrentEngineers int    `json:"max_concurrent_engineers"`
	MaxTurns               int    `json:"max_turns"`
	BaseBranch             string `json:"base_branch"`
	BaseRepo               string `json:"base_repo"`
	WorktreeBase           string `json:"worktree_base"`
	UseRemote              bool   `json:"use_remote"`
	Cleanup                bool   `json:"cleanup"`
	MaxReviewRetries       int    `json:"max_review_retries"`
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
	Agents    map[string]AgentConfig    `json:"agents"`
	Workflows map[string]WorkflowConfig `json:"workflows"`
	Pipeline  PipelineConfig            `json:"pipeline"`
}
