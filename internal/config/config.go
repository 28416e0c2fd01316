package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr        = "VOICERELAY_LISTEN_ADDR"
	envVarMode              = "VOICERELAY_MODE"
	envVarLogFormat         = "VOICERELAY_LOG_FORMAT"
	envVarLogLevel          = "VOICERELAY_LOG_LEVEL"
	envVarAllowedOrigins    = "VOICERELAY_ALLOWED_ORIGINS"
	envVarAllowedMethods    = "VOICERELAY_ALLOWED_METHODS"
	envVarMaxMessageBytes   = "VOICERELAY_MAX_MESSAGE_BYTES"
	envVarMessagesPerSecond = "VOICERELAY_MESSAGES_PER_SECOND"
	envVarMessageBurst      = "VOICERELAY_MESSAGE_BURST"
	envVarSendQueueSize     = "VOICERELAY_SEND_QUEUE_SIZE"
	envVarWriteTimeout      = "VOICERELAY_WRITE_TIMEOUT"
	envVarPingInterval      = "VOICERELAY_PING_INTERVAL"
	envVarStrictPayloads    = "VOICERELAY_STRICT_PAYLOADS"
	envVarMetrics           = "VOICERELAY_METRICS"

	DefaultListenAddr             = ":3000"
	DefaultMode              Mode = ModeDev
	DefaultAllowedOrigins         = "*"
	DefaultAllowedMethods         = "GET,POST"
	DefaultMaxMessageBytes        = int64(64 * 1024)
	DefaultMessagesPerSecond      = 20.0
	DefaultMessageBurst           = 40
	DefaultSendQueueSize          = 64
	DefaultWriteTimeout           = 2 * time.Second
	DefaultPingInterval           = 20 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string
	Mode       Mode
	LogFormat  LogFormat
	LogLevel   slog.Level

	// AllowedOrigins holds host patterns (path.Match syntax) checked against
	// the Origin header of HTTP and WebSocket requests. "*" allows any origin.
	AllowedOrigins []string
	AllowedMethods []string

	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	SendQueueSize     int
	WriteTimeout      time.Duration
	PingInterval      time.Duration

	// StrictPayloads validates relayed ICE candidates and session descriptions
	// before forwarding them.
	StrictPayloads bool
	Metrics        bool
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, DefaultAllowedOrigins)
	allowedMethodsStr := envOrDefault(lookup, envVarAllowedMethods, DefaultAllowedMethods)

	maxMessageBytes, err := envInt64OrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	messagesPerSecond, err := envFloatOrDefault(lookup, envVarMessagesPerSecond, DefaultMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	messageBurst, err := envIntOrDefault(lookup, envVarMessageBurst, DefaultMessageBurst)
	if err != nil {
		return Config{}, err
	}
	sendQueueSize, err := envIntOrDefault(lookup, envVarSendQueueSize, DefaultSendQueueSize)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := envDurationOrDefault(lookup, envVarWriteTimeout, DefaultWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	strictPayloads, err := envBoolOrDefault(lookup, envVarStrictPayloads, false)
	if err != nil {
		return Config{}, err
	}
	metrics, err := envBoolOrDefault(lookup, envVarMetrics, true)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("voicerelay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated origin host patterns (env "+envVarAllowedOrigins+")")
	fs.StringVar(&allowedMethodsStr, "allowed-methods", allowedMethodsStr, "Comma-separated CORS methods (env "+envVarAllowedMethods+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.Float64Var(&messagesPerSecond, "messages-per-second", messagesPerSecond, "Inbound messages/sec per connection (env "+envVarMessagesPerSecond+")")
	fs.IntVar(&messageBurst, "message-burst", messageBurst, "Inbound message burst per connection (env "+envVarMessageBurst+")")
	fs.IntVar(&sendQueueSize, "send-queue-size", sendQueueSize, "Outbound messages queued per connection before dropping (env "+envVarSendQueueSize+")")
	fs.DurationVar(&writeTimeout, "write-timeout", writeTimeout, "Per-message write timeout (env "+envVarWriteTimeout+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "WebSocket ping interval (env "+envVarPingInterval+")")
	fs.BoolVar(&strictPayloads, "strict-payloads", strictPayloads, "Validate relayed ICE candidates and SDP (env "+envVarStrictPayloads+")")
	fs.BoolVar(&metrics, "metrics", metrics, "Expose GET /metrics (env "+envVarMetrics+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}
	allowedMethods, err := parseMethods(allowedMethodsStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max message bytes must be > 0 (got %d)", maxMessageBytes)
	}
	if messagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("messages per second must be > 0 (got %v)", messagesPerSecond)
	}
	if messageBurst <= 0 {
		return Config{}, fmt.Errorf("message burst must be > 0 (got %d)", messageBurst)
	}
	if sendQueueSize <= 0 {
		return Config{}, fmt.Errorf("send queue size must be > 0 (got %d)", sendQueueSize)
	}
	if writeTimeout <= 0 {
		return Config{}, fmt.Errorf("write timeout must be > 0 (got %s)", writeTimeout)
	}
	if pingInterval <= 0 {
		return Config{}, fmt.Errorf("ping interval must be > 0 (got %s)", pingInterval)
	}

	return Config{
		ListenAddr:        listenAddr,
		Mode:              mode,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
		AllowedOrigins:    allowedOrigins,
		AllowedMethods:    allowedMethods,
		MaxMessageBytes:   maxMessageBytes,
		MessagesPerSecond: messagesPerSecond,
		MessageBurst:      messageBurst,
		SendQueueSize:     sendQueueSize,
		WriteTimeout:      writeTimeout,
		PingInterval:      pingInterval,
		StrictPayloads:    strictPayloads,
		Metrics:           metrics,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// OriginAllowed reports whether the host of an Origin header value matches
// one of the configured patterns.
func (c Config) OriginAllowed(originHost string) bool {
	for _, pattern := range c.AllowedOrigins {
		if pattern == "*" {
			return true
		}
		if ok, _ := path.Match(strings.ToLower(pattern), strings.ToLower(originHost)); ok {
			return true
		}
	}
	return false
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envFloatOrDefault(lookup func(string) (string, bool), key string, fallback float64) (float64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, err := path.Match(entry, ""); err != nil {
			return nil, fmt.Errorf("invalid origin pattern %q: %w", entry, err)
		}
		out = append(out, entry)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("allowed origins must not be empty")
	}
	return out, nil
}

func parseMethods(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.ToUpper(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		for _, r := range entry {
			if r < 'A' || r > 'Z' {
				return nil, fmt.Errorf("invalid method %q", entry)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}
