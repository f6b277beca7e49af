package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default configuration values
const (
	DefaultListenAddr = ":8080"
	DefaultServerURL  = "ws://localhost:8080/ws"
	DefaultSTUN       = "stun:stun.l.google.com:19302"
	DefaultSTUNAlt    = "stun:stun1.l.google.com:19302"

	DefaultMaxMembers = 10

	DefaultRetryDelay   = 1 * time.Second
	DefaultMaxRetries   = 10
	DefaultCoordTimeout = 30 * time.Second
	DefaultCoordSweep   = 10 * time.Second
	DefaultRoomReap     = 60 * time.Second
)

// Config holds application configuration for both the signaling server
// and the client.
type Config struct {
	// ListenAddr is the address the signaling server binds to.
	ListenAddr string

	// ServerURL is the websocket URL clients dial.
	ServerURL string

	// ICE servers for WebRTC
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string

	// Room defaults
	MaxMembers int

	// EnableCoordination turns on synchronized candidate release for
	// pairs flagged by NAT classification.
	EnableCoordination bool

	// Negotiation retry policy
	RetryDelay time.Duration
	MaxRetries int

	// Server sweep intervals
	CoordinationTimeout time.Duration
	CoordinationSweep   time.Duration
	RoomReapInterval    time.Duration
}

// Options for loading config with CLI flag overrides
type Options struct {
	ListenAddr string
	ServerURL  string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		ListenAddr:          pick(opts.ListenAddr, "LISTEN_ADDR", DefaultListenAddr),
		ServerURL:           pick(opts.ServerURL, "SERVER_URL", DefaultServerURL),
		TURNServer:          pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:            pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:            pick(opts.TURNPass, "TURN_PASSWORD", ""),
		MaxMembers:          DefaultMaxMembers,
		RetryDelay:          DefaultRetryDelay,
		MaxRetries:          DefaultMaxRetries,
		CoordinationTimeout: DefaultCoordTimeout,
		CoordinationSweep:   DefaultCoordSweep,
		RoomReapInterval:    DefaultRoomReap,
	}

	stun := pick(opts.STUNServer, "STUN_SERVER", "")
	if stun != "" {
		cfg.STUNServers = []string{stun}
	} else {
		cfg.STUNServers = []string{DefaultSTUN, DefaultSTUNAlt}
	}

	if v, ok := os.LookupEnv("ROOM_MAX_MEMBERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ROOM_MAX_MEMBERS: %w", err)
		}
		cfg.MaxMembers = n
	}

	switch os.Getenv("ICE_COORDINATION") {
	case "true", "1", "yes":
		cfg.EnableCoordination = true
	}

	return cfg, nil
}

// pick returns the first non-empty value among the flag override, the
// environment variable, and the default.
func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

// GetTURNServers returns TURN server URLs if configured.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns TURN username and password.
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
