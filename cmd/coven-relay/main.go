// ABOUTME: Entry point for coven-relay
// ABOUTME: Bridges Matrix threads to Claude CLI sessions

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/claude"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/stream"
)

const banner = `
                                          _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.toml > ~/.config/coven/relay.toml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.toml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	// Check for init command
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	dataPath := getDataPath()

	// Ensure data directory exists
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging.Level)

	// Print startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Username:   %s\n", cfg.Matrix.Username)
	green.Print("    ▶ ")
	fmt.Printf("Claude:     %s\n", cfg.Claude.Binary)
	green.Print("    ▶ ")
	fmt.Printf("Sessions:   %s\n", cfg.Sessions.Path)
	if cfg.Matrix.RecoveryKey != "" {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	// Setup graceful shutdown context first - all operations should respect it
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Claude backend and session manager
	backend := claude.NewService(logger,
		claude.WithBinary(cfg.Claude.Binary),
		claude.WithWorkingDir(cfg.Claude.WorkingDir),
		claude.WithSystemPrompt(cfg.Claude.SystemPrompt),
	)
	if err := backend.CheckAvailable(ctx); err != nil {
		// Sessions will fail until the binary appears; not fatal.
		logger.Warn("claude CLI not available", "error", err)
	}

	manager := agent.NewManager(backend, logger)
	defer manager.CloseAll()

	// Durable thread-to-session mapping
	store := session.NewFileStore(cfg.Sessions.Path, logger)
	if n := store.Load(); n > 0 {
		logger.Info("recovered session records", "count", n)
	}

	// Streaming renderer and controller
	renderer := stream.NewRenderer(logger,
		stream.WithCeiling(cfg.Stream.Ceiling),
		stream.WithEditInterval(cfg.Stream.EditInterval),
	)
	controller := relay.NewController(manager, store, renderer, cfg.Stream.Enabled, logger)
	controller.SetTurnTimeouts(cfg.Claude.AskTimeout, cfg.Claude.CodeTimeout)

	// Create bridge
	bridge, err := NewBridge(cfg, controller, store, manager, backend, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	// Login to Matrix (required before crypto setup)
	if err := bridge.Login(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	// Setup encryption (only if recovery key is provided)
	if cfg.Matrix.RecoveryKey != "" {
		helper, err := enableEncryption(ctx, bridge.matrix, cfg.Matrix.RecoveryKey, dataPath, logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer helper.Close()
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}

	// Run bridge
	logger.Info("starting bridge")
	return bridge.Run(ctx)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func runInit() error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	configPath := getConfigPath()

	// Check if config already exists
	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		fmt.Print("    Overwrite? [y/N]: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	reader := bufio.NewReader(os.Stdin)

	// Gather config values
	green.Print("    ▶ ")
	fmt.Print("Matrix homeserver URL [https://matrix.org]: ")
	homeserver, _ := reader.ReadString('\n')
	homeserver = strings.TrimSpace(homeserver)
	if homeserver == "" {
		homeserver = "https://matrix.org"
	}

	green.Print("    ▶ ")
	fmt.Print("Matrix username: ")
	username, _ := reader.ReadString('\n')
	username = strings.TrimSpace(username)

	green.Print("    ▶ ")
	fmt.Print("Matrix password: ")
	password, _ := reader.ReadString('\n')
	password = strings.TrimSpace(password)

	green.Print("    ▶ ")
	fmt.Print("Matrix recovery key (optional, for E2EE): ")
	recoveryKey, _ := reader.ReadString('\n')
	recoveryKey = strings.TrimSpace(recoveryKey)

	green.Print("    ▶ ")
	fmt.Print("Claude binary [claude]: ")
	binary, _ := reader.ReadString('\n')
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "claude"
	}

	green.Print("    ▶ ")
	fmt.Print("Working directory for code sessions: ")
	workingDir, _ := reader.ReadString('\n')
	workingDir = strings.TrimSpace(workingDir)

	sessionsPath := filepath.Join(getDataPath(), "relay-sessions.json")

	// Generate config
	cfgText := fmt.Sprintf(`# coven-relay configuration
# Generated by coven-relay init

[matrix]
homeserver = "%s"
username = "%s"
password = "%s"
`, homeserver, username, password)

	if recoveryKey != "" {
		cfgText += fmt.Sprintf("recovery_key = \"%s\"\n", recoveryKey)
	}

	cfgText += fmt.Sprintf(`
[claude]
binary = "%s"
working_dir = "%s"
# Per-turn budgets
ask_timeout = "5m"
code_timeout = "10m"

[sessions]
path = "%s"

[stream]
enabled = true
ceiling = 1900
edit_interval = "1500ms"

[bridge]
# Only respond in these rooms (empty = all joined rooms)
allowed_rooms = []
# Only respond to these users (empty = everyone)
allowed_users = []
command_prefix = "!"
# Send typing indicator while a turn is running
typing_indicator = true

[logging]
level = "info"
`, binary, workingDir, sessionsPath)

	// Ensure config directory exists
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(configPath, []byte(cfgText), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Run: coven-relay")
	fmt.Println("    2. Invite the bot to a room and say: !ask <question>")
	fmt.Println()

	return nil
}
