package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/wealth-steward/internal/agent"
	"github.com/nugget/wealth-steward/internal/api"
	"github.com/nugget/wealth-steward/internal/llm"
	"github.com/nugget/wealth-steward/internal/stream"
)

// runAsk handles "steward ask <question>". It runs one turn through the
// same loop and formatter as the server and writes the SSE stream to
// stdout. Without --thread the turn is ephemeral.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, threadID string, args []string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	logger := newLogger(stderr, cfg)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", "path", cfgPath)

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close thread store", "error", err)
		}
	}()

	req := &agent.Request{
		RequestID: stream.NewCompletionID(),
		ThreadID:  threadID,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: strings.Join(args, " ")}},
	}
	if req.ThreadID == "" {
		req.ThreadID = agent.AnonymousThreadID()
		req.Ephemeral = true
	}

	f := stream.NewFormatter(stdout, stream.Options{
		ID:          req.RequestID,
		Model:       api.ModelID,
		IgnoreNodes: cfg.Stream.IgnoreNodes,
		Logger:      logger,
	})
	res, err := a.loop.Stream(ctx, req, f)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	logger.Info("turn finished",
		"thread", res.ThreadID,
		"intent", res.Intent,
		"tool_rounds", res.ToolRounds,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
	)
	return nil
}
