// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a TOML file with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	[matrix]
//	password = "${RELAY_MATRIX_PASSWORD}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	[claude]
//	ask_timeout = "5m"
//	code_timeout = "10m"
//
//	[stream]
//	edit_interval = "1500ms"
//
// # Configuration Sections
//
// Matrix account:
//
//	[matrix]
//	homeserver = "https://matrix.example.org"
//	username = "relay-bot"
//	password = "${RELAY_MATRIX_PASSWORD}"
//	recovery_key = "${RELAY_RECOVERY_KEY}"   # optional, enables E2EE key recovery
//
// Claude CLI backend:
//
//	[claude]
//	binary = "claude"        # binary name or absolute path
//	working_dir = "/srv/work"
//	system_prompt = ""
//	ask_timeout = "5m"       # per-turn budget for ask threads
//	code_timeout = "10m"     # per-turn budget for code threads
//
// Session persistence:
//
//	[sessions]
//	path = "/var/lib/coven-relay/sessions.json"
//
// Streaming delivery:
//
//	[stream]
//	enabled = true
//	ceiling = 1900           # per-message character ceiling
//	edit_interval = "1500ms" # minimum time between in-place edits
//
// Bridge behavior:
//
//	[bridge]
//	allowed_rooms = []       # empty means all rooms
//	allowed_users = []       # empty means all users
//	command_prefix = "!"
//	typing_indicator = true
//
// Logging:
//
//	[logging]
//	level = "info"   # debug, info, warn, error
package config
