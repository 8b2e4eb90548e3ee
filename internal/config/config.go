package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds all runtime configuration for the answering machine.
// Precedence: CLI flags > env vars > .env file > defaults.
type Config struct {
	SIPPort       int
	SIPHostname   string // User-Agent hostname (os.Hostname if empty)
	ExternalIP    string // IP advertised in Contact and SDP (auto-detected if empty)
	RTPPort       int    // first RTP port of the media socket pool
	MediaSockets  int
	MaxCalls      int
	RingingTime   time.Duration
	ActiveTime    time.Duration
	ActiveEndCode int // SIP code used when the active timer ends a session
	PollInterval  time.Duration
	Signals       string // username=kind[:arg] list, see ParseSignals
	InviteRate    float64
	InviteBurst   int
	HTTPPort      int // 0 disables the status API
	APIRate       float64
	APIBurst      int
	SIPTrace      string
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"
	LogFile       string // empty logs to stderr
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// defaults
const (
	defaultSIPPort       = 6222
	defaultRTPPort       = 4000
	defaultMediaSockets  = 29
	defaultMaxCalls      = 35
	defaultRingingTime   = 3 * time.Second
	defaultActiveTime    = 10 * time.Second
	defaultActiveEndCode = 403
	defaultPollInterval  = 20 * time.Millisecond
	defaultSignals       = "longtone=tone:425,wav=wav,rbt=ringback:425"
	defaultInviteRate    = 50
	defaultInviteBurst   = 100
	defaultHTTPPort      = 8080
	defaultAPIRate       = 20
	defaultAPIBurst      = 40
	defaultSIPTrace      = "off"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultLogMaxSizeMB  = 100
	defaultLogMaxBackups = 5
	defaultLogMaxAgeDays = 28
)

// envPrefix is the prefix for all answering machine environment variables.
const envPrefix = "ANSWERMACHINE_"

// Load parses configuration from CLI flags, environment variables and an
// optional .env file in the working directory.
func Load() (*Config, error) {
	// Variables already present in the environment win over .env entries.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}

	fs := flag.NewFlagSet("answermachine", flag.ContinueOnError)

	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.SIPHostname, "sip-host", "", "hostname used in the SIP User-Agent (defaults to the system hostname)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "IP address advertised in Contact and SDP (auto-detected if empty)")
	fs.IntVar(&cfg.RTPPort, "rtp-port", defaultRTPPort, "first UDP port of the media socket pool (must be even)")
	fs.IntVar(&cfg.MediaSockets, "media-sockets", defaultMediaSockets, "number of media sockets bound at startup")
	fs.IntVar(&cfg.MaxCalls, "max-calls", defaultMaxCalls, "maximum number of concurrently tracked calls")
	fs.DurationVar(&cfg.RingingTime, "ringing-time", defaultRingingTime, "time a call rings before it is answered")
	fs.DurationVar(&cfg.ActiveTime, "active-time", defaultActiveTime, "time an answered call plays its signal before it is ended")
	fs.IntVar(&cfg.ActiveEndCode, "active-end-code", defaultActiveEndCode, "SIP status code used when the active time elapses")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", defaultPollInterval, "upper bound on the event loop wait")
	fs.StringVar(&cfg.Signals, "signals", defaultSignals, "comma-separated username=kind[:arg] signal table (kinds: tone, ringback, wav)")
	fs.Float64Var(&cfg.InviteRate, "invite-rate", defaultInviteRate, "sustained INVITEs per second accepted before answering 503")
	fs.IntVar(&cfg.InviteBurst, "invite-burst", defaultInviteBurst, "INVITE burst size for the rate limiter")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "status API listen port (0 disables)")
	fs.Float64Var(&cfg.APIRate, "api-rate", defaultAPIRate, "status API requests per second per client before answering 429")
	fs.IntVar(&cfg.APIBurst, "api-burst", defaultAPIBurst, "status API burst size per client")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "SIP message tracing (off, headers, full)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "write logs to this file with rotation instead of stderr")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size", defaultLogMaxSizeMB, "megabytes before the log file is rotated")
	fs.IntVar(&cfg.LogMaxBackups, "log-max-backups", defaultLogMaxBackups, "rotated log files to keep")
	fs.IntVar(&cfg.LogMaxAgeDays, "log-max-age", defaultLogMaxAgeDays, "days to keep rotated log files")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets every flag that was not given on the command line
// from its ANSWERMACHINE_ environment variable, if present. The variable name
// is the flag name upper-cased with dashes replaced by underscores.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(EnvName(f.Name))
		if !ok || val == "" {
			return
		}
		// Malformed values keep the default, same as an unset variable.
		if err := f.Value.Set(val); err != nil {
			slog.Warn("ignoring malformed environment override", "var", EnvName(f.Name), "error", err)
		}
	})
}

// EnvName returns the environment variable consulted for a flag.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 0 and 65535, got %d", c.HTTPPort)
	}
	if c.MediaSockets < 1 {
		return fmt.Errorf("media-sockets must be positive, got %d", c.MediaSockets)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPort < 1024 || c.RTPPort%2 != 0 {
		return fmt.Errorf("rtp-port must be an even port of at least 1024, got %d", c.RTPPort)
	}
	if last := c.RTPPort + 2*c.MediaSockets - 1; last > 65535 {
		return fmt.Errorf("media socket range %d-%d exceeds 65535", c.RTPPort, last)
	}
	if c.MaxCalls < 1 {
		return fmt.Errorf("max-calls must be positive, got %d", c.MaxCalls)
	}
	if c.RingingTime < 0 {
		return fmt.Errorf("ringing-time must not be negative, got %s", c.RingingTime)
	}
	if c.ActiveTime <= 0 {
		return fmt.Errorf("active-time must be positive, got %s", c.ActiveTime)
	}
	if c.ActiveEndCode < 300 || c.ActiveEndCode > 699 {
		return fmt.Errorf("active-end-code must be a final non-2xx SIP status, got %d", c.ActiveEndCode)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive, got %s", c.PollInterval)
	}
	if _, err := ParseSignals(c.Signals); err != nil {
		return err
	}
	if c.InviteRate <= 0 || c.InviteBurst < 1 {
		return fmt.Errorf("invite-rate and invite-burst must be positive")
	}
	if c.APIRate <= 0 || c.APIBurst < 1 {
		return fmt.Errorf("api-rate and api-burst must be positive")
	}

	validTrace := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTrace[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SignalSpec describes one entry of the signal table.
type SignalSpec struct {
	Username string
	Kind     string // tone, ringback or wav
	Arg      string // frequency in Hz for tones, file path for wav (empty selects the embedded example)
}

// ParseSignals parses a "username=kind[:arg],..." list. Order is preserved
// since it determines bridge slot assignment.
func ParseSignals(s string) ([]SignalSpec, error) {
	var specs []SignalSpec
	seen := make(map[string]bool)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, def, ok := strings.Cut(entry, "=")
		if !ok || user == "" || def == "" {
			return nil, fmt.Errorf("signal entry %q must be username=kind[:arg]", entry)
		}
		if seen[user] {
			return nil, fmt.Errorf("signal username %q listed twice", user)
		}
		seen[user] = true

		kind, arg, _ := strings.Cut(def, ":")
		switch kind {
		case "tone", "ringback":
			if arg == "" {
				arg = "425"
			}
			if hz, err := strconv.ParseFloat(arg, 64); err != nil || hz <= 0 || hz >= 4000 {
				return nil, fmt.Errorf("signal %q: tone frequency must be between 0 and 4000 Hz, got %q", user, arg)
			}
		case "wav":
		default:
			return nil, fmt.Errorf("signal %q: unknown kind %q", user, kind)
		}
		specs = append(specs, SignalSpec{Username: user, Kind: kind, Arg: arg})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("signals must name at least one username")
	}
	return specs, nil
}

// SignalSpecs returns the parsed signal table. Load has already validated it.
func (c *Config) SignalSpecs() []SignalSpec {
	specs, _ := ParseSignals(c.Signals)
	return specs
}

// SIPHost returns the hostname to use for the SIP User-Agent.
func (c *Config) SIPHost() string {
	if c.SIPHostname != "" {
		return c.SIPHostname
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// MediaIP returns the IP address to use in Contact and SDP.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// LogWriter returns the destination for log output: a rotating file when
// LogFile is set, stderr otherwise.
func (c *Config) LogWriter() io.Writer {
	if c.LogFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAge:     c.LogMaxAgeDays,
		Compress:   true,
	}
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
