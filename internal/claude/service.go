// ABOUTME: Claude CLI backend: spawns the claude binary in stream-json mode.
// ABOUTME: Implements agent.Backend; each connection is one long-lived subprocess.

package claude

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/2389/coven-relay/internal/agent"
)

// Service builds agent connections backed by the Claude CLI. The CLI
// runs in bidirectional stream-json mode: user messages go in as
// NDJSON on stdin, response events come back as NDJSON on stdout.
type Service struct {
	binary       string
	workingDir   string
	systemPrompt string
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBinary overrides the claude binary path.
func WithBinary(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.binary = path
		}
	}
}

// WithWorkingDir sets the subprocess working directory.
func WithWorkingDir(dir string) Option {
	return func(s *Service) { s.workingDir = dir }
}

// WithSystemPrompt sets a system prompt appended to every session.
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) { s.systemPrompt = prompt }
}

// NewService creates a Claude CLI backend.
func NewService(logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		binary: "claude",
		logger: logger.With("component", "claude"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAvailable probes the CLI with --version. A failure here means
// every session will fail; callers typically warn and carry on so a
// later PATH fix does not require a restart.
func (s *Service) CheckAvailable(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.binary, "--version")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("probing %s --version: %w", s.binary, err)
	}
	s.logger.Debug("claude CLI available", "version", strings.TrimSpace(string(out)))
	return nil
}

// Connect spawns a CLI subprocess configured for the session and
// starts its event reader. The returned Conn stays live across turns
// until Close.
func (s *Service) Connect(ctx context.Context, opts agent.ConnectOptions) (agent.Conn, error) {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--permission-mode", "acceptEdits",
		"--verbose",
	}
	if len(opts.Capabilities) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.Capabilities, ","))
	}
	if s.systemPrompt != "" {
		args = append(args, "--append-system-prompt", s.systemPrompt)
	}
	if opts.ResumeKey != "" {
		args = append(args, "--resume", opts.ResumeKey)
	}

	conn, err := startProc(ctx, s.binary, args, s.workingDir, s.logger)
	if err != nil {
		return nil, err
	}

	s.logger.Info("claude subprocess started",
		"pid", conn.pid(),
		"resumed", opts.ResumeKey != "",
		"allowed_tools", opts.Capabilities,
	)
	return conn, nil
}
