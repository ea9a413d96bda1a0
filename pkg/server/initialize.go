package server

import (
	"context"
	"fmt"

	"github.com/kadirpekel/mcpchat/pkg/agent"
	"github.com/kadirpekel/mcpchat/pkg/metrics"
)

// initializeAgent rebuilds the live agent from the user's stored settings:
// load, materialize the configured tools, persist the updated version cache,
// construct the new agent, and swap it in. The previous agent, if any, is
// closed during the swap.
func (s *Server) initializeAgent(ctx context.Context, userID string) error {
	cfg, err := s.store.Load(ctx, userID)
	if err != nil {
		metrics.AgentInitsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load user settings: %w", err)
	}

	result, err := s.materializer.Materialize(ctx, cfg)
	if err != nil {
		metrics.AgentInitsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to materialize tools: %w", err)
	}

	// Materialization refreshes the version cache; persist it even when some
	// tools were skipped.
	if err := s.store.Save(ctx, cfg); err != nil {
		metrics.AgentInitsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to save user settings: %w", err)
	}

	handle, err := agent.Build(ctx, result.Descriptors, cfg.SelectedModel, s.checkpoints, s.cfg.Agent.SystemPrompt, cfg.Instructions)
	if err != nil {
		metrics.AgentInitsTotal.WithLabelValues("error").Inc()
		return err
	}

	if err := s.manager.Replace(handle); err != nil {
		s.logger.Warn("Failed to close previous agent", "error", err)
	}

	metrics.AgentInitsTotal.WithLabelValues("success").Inc()
	metrics.ToolsBound.Set(float64(handle.ToolCount()))
	metrics.ToolsSkippedTotal.Add(float64(len(result.Skipped)))

	for _, skipped := range result.Skipped {
		s.logger.Warn("Tool skipped during initialization", "tool", skipped.Name, "error", skipped.Err)
	}
	s.logger.Info("Agent initialized",
		"model", cfg.SelectedModel,
		"tools", handle.ToolCount(),
		"skipped", len(result.Skipped))

	return nil
}
