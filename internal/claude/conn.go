// ABOUTME: One live Claude CLI subprocess with NDJSON pipes in both directions.
// ABOUTME: Translates CLI wire lines into agent events on a single channel.

package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/2389/coven-relay/internal/agent"
)

// scanner lines can carry a whole assistant block; give them room.
const maxLineBytes = 1024 * 1024

// procConn is one running CLI subprocess. The read loop owns stdout
// and closes the event channel when the process's output ends.
type procConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan agent.Event
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func startProc(ctx context.Context, binary string, args []string, dir string, logger *slog.Logger) (*procConn, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	conn := &procConn{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan agent.Event, 64),
		logger: logger,
	}
	go conn.readLoop(stdout)
	go conn.drainStderr(stderr)
	return conn, nil
}

func (c *procConn) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// userMessage is the stream-json input frame the CLI expects per turn.
type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string        `json:"role"`
		Content []contentText `json:"content"`
	} `json:"message"`
}

type contentText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send writes one user turn to the subprocess's stdin.
func (c *procConn) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg userMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = []contentText{{Type: "text", Text: text}}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding user message: %w", err)
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(line); err != nil {
		return fmt.Errorf("writing to claude stdin: %w", err)
	}
	return nil
}

func (c *procConn) Events() <-chan agent.Event {
	return c.events
}

// Close shuts the subprocess down: stdin EOF first so the CLI can
// exit cleanly, then kill if it is still running after Wait.
func (c *procConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		if err := c.stdin.Close(); err != nil {
			c.logger.Debug("closing claude stdin", "error", err)
		}
		c.writeMu.Unlock()

		if c.cmd.Process != nil {
			if err := c.cmd.Process.Kill(); err != nil {
				c.logger.Debug("killing claude subprocess", "error", err)
			}
		}
		c.closeErr = c.cmd.Wait()
	})
	return nil
}

// readLoop scans NDJSON off stdout and forwards decoded agent events.
func (c *procConn) readLoop(stdout io.Reader) {
	defer close(c.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, ok := decodeLine(line, c.logger)
		if !ok {
			continue
		}
		c.events <- ev
		if ev.Kind == agent.EventError {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		c.events <- agent.Event{
			Kind: agent.EventError,
			Err:  fmt.Errorf("reading claude stdout: %w", err),
		}
	}
}

func (c *procConn) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4*1024), maxLineBytes)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug("claude stderr", "line", line)
		}
	}
}
