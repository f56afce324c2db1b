// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Load fills defaults and validates the result.
//
// # Configuration File
//
// The file is chosen with the -config flag, falling back to the
// COVEN_CHAT_CONFIG environment variable and then ./coven-chat.yaml.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	agents:
//	  - id: alice
//	    auth_token: "${ALICE_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Client identity, sent in every connect handshake:
//
//	client:
//	  id: ""                 # defaults to a random UUID
//	  display_name: "coven-chat"
//	  mode: "cli"
//	  platform: ""           # defaults to runtime.GOOS
//	  version: "dev"
//
// Agents, one entry per endpoint:
//
//	agents:
//	  - id: alice
//	    name: Alice
//	    endpoint_url: "wss://alice.example/ws"
//	    auth_token: "${ALICE_TOKEN}"
//	    session_key: main    # default
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// The same layout in TOML uses [client], [logging] and [[agents]] tables.
//
// # Validation
//
// Load() validates:
//
//   - at least one agent is configured
//   - agent ids are present and unique
//   - agent names are not blank
//   - endpoint URLs use ws or wss and have a host
//   - logging level and format values
package config
