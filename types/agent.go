package types

import "time"

// AgentRole binds a specialized agent to one pipeline role.
type AgentRole string

const (
	RoleRequirementAnalyst AgentRole = "requirement_analyst"
	RoleCoordinator        AgentRole = "coordinator"
	RoleWorker             AgentRole = "worker"
	RoleEvaluator          AgentRole = "evaluator"
)

// Valid reports whether r is a known role.
func (r AgentRole) Valid() bool {
	switch r {
	case RoleRequirementAnalyst, RoleCoordinator, RoleWorker, RoleEvaluator:
		return true
	default:
		return false
	}
}

// Agent is a specialized worker instance. CurrentLoad counts reserved
// assignments and never exceeds MaxConcurrentTasks.
type Agent struct {
	ID                 string    `gorm:"primaryKey;size:64" json:"id"`
	Name               string    `gorm:"size:128;not null" json:"name"`
	Role               AgentRole `gorm:"size:32;not null;index:idx_agents_role" json:"role"`
	Specialization     string    `gorm:"size:64" json:"specialization,omitempty"`
	Model              string    `gorm:"size:128" json:"model,omitempty"`
	SystemPrompt       string    `gorm:"type:text" json:"system_prompt,omitempty"`
	Temperature        float64   `json:"temperature"`
	MaxTokens          int       `json:"max_tokens"`
	IsActive           bool      `gorm:"not null" json:"is_active"`
	IsAvailable        bool      `gorm:"not null" json:"is_available"`
	CurrentLoad        int       `gorm:"not null" json:"current_load"`
	MaxConcurrentTasks int       `gorm:"not null" json:"max_concurrent_tasks"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName pins the table name.
func (Agent) TableName() string { return "agents" }

// HasCapacity reports whether the agent can take one more assignment.
func (a *Agent) HasCapacity() bool {
	return a.IsActive && a.IsAvailable && a.CurrentLoad < a.MaxConcurrentTasks
}

// GenerationConfig is the slice of agent configuration the generation
// capability needs.
type GenerationConfig struct {
	AgentID      string  `json:"agent_id"`
	Model        string  `json:"model,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// GenerationConfig derives the generation parameters for this agent.
func (a *Agent) GenerationConfig() GenerationConfig {
	return GenerationConfig{
		AgentID:      a.ID,
		Model:        a.Model,
		SystemPrompt: a.SystemPrompt,
		Temperature:  a.Temperature,
		MaxTokens:    a.MaxTokens,
	}
}
