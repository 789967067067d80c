package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capgate/capgate/internal/agent"
	"github.com/capgate/capgate/internal/approval"
	"github.com/capgate/capgate/internal/audit"
	"github.com/capgate/capgate/internal/captoken"
	"github.com/capgate/capgate/internal/config"
	"github.com/capgate/capgate/internal/evaluator"
	"github.com/capgate/capgate/internal/evidence"
	"github.com/capgate/capgate/internal/gateway"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "capgate",
	Short: "Capability-based authorization for agent side effects",
	Long:  "Gates every side-effecting action an autonomous agent proposes.\nAgents emit intents; the policy engine enforces invariants and hard rules,\nmints single-use capability tokens, and the tool runner executes, with a\ntamper-evident audit trail of everything.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to capgate config YAML")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration from the --config flag or defaults.
func loadConfig() (*config.Config, string, error) {
	if configPath == "" {
		return config.Default(), "", nil
	}
	return config.LoadWithHash(configPath)
}

// buildGateway assembles the full pipeline from configuration.
func buildGateway(ctx context.Context, cfg *config.Config) (*gateway.Gateway, error) {
	ev, err := evidence.Open(cfg.EvidencePath)
	if err != nil {
		return nil, err
	}
	if cfg.FetchLimit > 0 {
		ev.SetFetchLimit(cfg.FetchLimit, evidence.DefaultFetchWindow)
	}

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return nil, err
	}

	agents := agent.DefaultRegistry()
	if cfg.AgentSpecs != "" {
		agents, err = agent.LoadRegistry(cfg.AgentSpecs)
		if err != nil {
			return nil, err
		}
	}

	var eval evaluator.Evaluator = evaluator.Rules{}
	if cfg.Evaluator.Backend == "bedrock" {
		eval, err = evaluator.NewBedrock(ctx, evaluator.BedrockConfig{
			Region:    cfg.Evaluator.Region,
			ModelID:   cfg.Evaluator.ModelID,
			AccessKey: cfg.Evaluator.AccessKey,
			SecretKey: cfg.Evaluator.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("bedrock evaluator: %w", err)
		}
	}

	kr, err := captoken.NewKeyring()
	if err != nil {
		return nil, err
	}

	var approvals *approval.Store
	if cfg.ApprovalPath != "" {
		approvals, err = approval.Open(cfg.ApprovalPath)
		if err != nil {
			return nil, err
		}
	}

	return gateway.New(gateway.Config{
		Agents:           agents,
		Evidence:         ev,
		AuditLog:         auditLog,
		Evaluator:        eval,
		Keyring:          kr,
		Approvals:        approvals,
		Alerts:           cfg.Alerts,
		RateLimits:       cfg.RateLimits,
		TokenTTL:         cfg.TokenTTL,
		EvaluatorTimeout: cfg.Evaluator.Timeout,
	})
}
