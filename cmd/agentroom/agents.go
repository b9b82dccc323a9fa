package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentroom/config"
	"github.com/BaSui01/agentroom/internal/database"
	"github.com/BaSui01/agentroom/store"
	"github.com/BaSui01/agentroom/types"
)

// =============================================================================
// 🤖 专用 Agent 同步
// =============================================================================

// agentUpserter is the store surface agent sync writes through.
type agentUpserter interface {
	UpsertAgent(ctx context.Context, agent *types.Agent) error
}

// agentFile is the layout of an agents sync file.
type agentFile struct {
	Agents []config.AgentSeed `yaml:"agents"`
}

// agentFromSeed validates a seed and converts it. Runtime state (load and
// availability) starts fresh; the upsert only overwrites configuration
// columns of an existing row.
func agentFromSeed(seed config.AgentSeed, now time.Time) (*types.Agent, error) {
	id := strings.TrimSpace(seed.ID)
	if id == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	role := types.AgentRole(seed.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("agent %s: unknown role %q", id, seed.Role)
	}
	if seed.Temperature < 0 || seed.Temperature > 2 {
		return nil, fmt.Errorf("agent %s: temperature must be within [0, 2]", id)
	}
	if seed.MaxTokens < 0 {
		return nil, fmt.Errorf("agent %s: max_tokens must not be negative", id)
	}
	maxTasks := seed.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = 1
	}
	name := seed.Name
	if name == "" {
		name = id
	}
	return &types.Agent{
		ID:                 id,
		Name:               name,
		Role:               role,
		Specialization:     seed.Specialization,
		Model:              seed.Model,
		SystemPrompt:       seed.SystemPrompt,
		Temperature:        seed.Temperature,
		MaxTokens:          seed.MaxTokens,
		IsActive:           seed.IsActive(),
		IsAvailable:        true,
		MaxConcurrentTasks: maxTasks,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// syncAgents validates every seed before writing any of them.
func syncAgents(ctx context.Context, s agentUpserter, seeds []config.AgentSeed, logger *zap.Logger) (int, error) {
	now := time.Now().UTC()
	agents := make([]*types.Agent, 0, len(seeds))
	seen := make(map[string]struct{}, len(seeds))
	for _, seed := range seeds {
		agent, err := agentFromSeed(seed, now)
		if err != nil {
			return 0, err
		}
		if _, dup := seen[agent.ID]; dup {
			return 0, fmt.Errorf("agent %s is listed twice", agent.ID)
		}
		seen[agent.ID] = struct{}{}
		agents = append(agents, agent)
	}

	for _, agent := range agents {
		if err := s.UpsertAgent(ctx, agent); err != nil {
			return 0, fmt.Errorf("upsert agent %s: %w", agent.ID, err)
		}
		logger.Info("agent synced",
			zap.String("agent_id", agent.ID),
			zap.String("role", string(agent.Role)),
			zap.String("specialization", agent.Specialization),
			zap.Bool("active", agent.IsActive))
	}
	return len(agents), nil
}

func readAgentFile(path string) ([]config.AgentSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var f agentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	return f.Agents, nil
}

var agentsFile string

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage specialized agents",
}

var agentsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upsert specialized agents from a YAML file",
	Long: `Upsert specialized agents into the database.

Without --file the agents section of the config file is used. Load
counters of existing agents are left untouched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		seeds := cfg.Agents
		if agentsFile != "" {
			if seeds, err = readAgentFile(agentsFile); err != nil {
				return err
			}
		}
		if len(seeds) == 0 {
			return fmt.Errorf("no agents to sync")
		}

		logger, err := initLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		pm, err := database.Open(cfg.Database, logger)
		if err != nil {
			return err
		}
		defer pm.Close()
		if cfg.Database.AutoMigrate {
			if err := store.AutoMigrate(pm.DB()); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
		}

		n, err := syncAgents(cmd.Context(), store.NewGormStore(pm, logger), seeds, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Synced %d agents\n", n)
		return nil
	},
}

func init() {
	agentsSyncCmd.Flags().StringVarP(&agentsFile, "file", "f", "", "YAML file with an agents list")
	agentsCmd.AddCommand(agentsSyncCmd)
	rootCmd.AddCommand(agentsCmd)
}
