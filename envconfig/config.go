// Package envconfig centralizes all environment driven configuration.
//
// Every knob the gateway honors is an accessor here:
//   - Host: bind address (PORT, SOLLOL_HOST)
//   - OllamaNodes: seed list for the node pool (OLLAMA_NODES)
//   - RPCBackends: rpc-server workers enabling model sharding (RPC_BACKENDS)
//   - AdaptiveInterval: telemetry loop cadence (SOLLOL_ADAPTIVE_INTERVAL_SECONDS)
//   - LearningHorizon: learned duration age-out (SOLLOL_LEARNING_HORIZON)
//   - Coordinator*: llama-server coordinator settings
//   - Models: the local Ollama blob store used for GGUF resolution (OLLAMA_MODELS)
//   - LogLevel: log verbosity (SOLLOL_DEBUG)
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Host returns the scheme and address the gateway binds to.
// Configurable via SOLLOL_HOST ("host:port") or PORT.
// Default: http://0.0.0.0:11434
func Host() *url.URL {
	defaultPort := "11434"
	if p := Var("PORT"); p != "" {
		if n, err := strconv.ParseInt(p, 10, 32); err == nil && n > 0 && n <= 65535 {
			defaultPort = p
		} else {
			slog.Warn("invalid PORT, using default", "port", p, "default", defaultPort)
		}
	}

	s := Var("SOLLOL_HOST")
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = "0.0.0.0", defaultPort
		if s != "" {
			host = s
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(host, port),
	}
}

// OllamaNodes returns the configured pool seed as "host:port" entries.
// Configurable via OLLAMA_NODES (comma separated). Entries without a port
// get the default Ollama port. Empty means discovery.
func OllamaNodes() []string {
	return hostPortList(Var("OLLAMA_NODES"), "11434")
}

// RPCBackends returns the configured rpc-server workers as "host:port"
// entries. Configurable via RPC_BACKENDS (comma separated). A non-empty
// list enables model sharding.
func RPCBackends() []string {
	return hostPortList(Var("RPC_BACKENDS"), "50052")
}

func hostPortList(s, defaultPort string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(entry); err != nil {
			entry = net.JoinHostPort(entry, defaultPort)
		}
		out = append(out, entry)
	}
	return out
}

// AdaptiveInterval returns the cadence of the adaptive telemetry loop.
// Configurable via SOLLOL_ADAPTIVE_INTERVAL_SECONDS.
// Default: 30 seconds
func AdaptiveInterval() time.Duration {
	interval := 30 * time.Second
	if s := Var("SOLLOL_ADAPTIVE_INTERVAL_SECONDS"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			interval = time.Duration(n) * time.Second
		}
	}
	return interval
}

// LearningHorizon returns how long learned task durations stay relevant
// before the adaptive loop ages them out.
// Configurable via SOLLOL_LEARNING_HORIZON (duration or seconds).
// Default: 1 hour
func LearningHorizon() (horizon time.Duration) {
	horizon = time.Hour
	if s := Var("SOLLOL_LEARNING_HORIZON"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			horizon = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			horizon = time.Duration(n) * time.Second
		}
	}

	if horizon <= 0 {
		horizon = time.Hour
	}

	return horizon
}

// CoordinatorHost returns host and port the llama-server coordinator binds
// to. Configurable via SOLLOL_COORDINATOR_HOST and SOLLOL_COORDINATOR_PORT.
// Default: 127.0.0.1:8080
func CoordinatorHost() (string, int) {
	host := "127.0.0.1"
	if s := Var("SOLLOL_COORDINATOR_HOST"); s != "" {
		host = s
	}

	port := 8080
	if s := Var("SOLLOL_COORDINATOR_PORT"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 32); err == nil && n > 0 && n <= 65535 {
			port = int(n)
		}
	}

	return host, port
}

// CoordinatorBinary returns the llama-server executable used for sharded
// inference. Configurable via SOLLOL_LLAMA_SERVER.
func CoordinatorBinary() string {
	if s := Var("SOLLOL_LLAMA_SERVER"); s != "" {
		return s
	}
	return "llama-server"
}

// LoadTimeout returns how long to wait for the coordinator to become
// ready. Configurable via SOLLOL_LOAD_TIMEOUT (duration or seconds).
// Default: 30 seconds
func LoadTimeout() (loadTimeout time.Duration) {
	loadTimeout = 30 * time.Second
	if s := Var("SOLLOL_LOAD_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			loadTimeout = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			loadTimeout = time.Duration(n) * time.Second
		}
	}

	if loadTimeout <= 0 {
		loadTimeout = 30 * time.Second
	}

	return loadTimeout
}

// Models returns the local Ollama model store used for GGUF resolution.
// Configurable via OLLAMA_MODELS.
// Default: $HOME/.ollama/models
func Models() string {
	if s := Var("OLLAMA_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".ollama", "models")
}

// EnableRay reports whether the Ray compute integration is requested.
// Parsed for configuration-surface parity; the gateway core does not
// consume it.
func EnableRay() bool {
	return Bool("SOLLOL_ENABLE_RAY")
}

// EnableDask reports whether the Dask compute integration is requested.
func EnableDask() bool {
	return Bool("SOLLOL_ENABLE_DASK")
}

// LogLevel returns the log level.
// Configurable via SOLLOL_DEBUG: 0/false = INFO (default), 1/true = DEBUG,
// 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("SOLLOL_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Bool parses an environment variable as a boolean.
func Bool(key string) bool {
	b, _ := strconv.ParseBool(Var(key))
	return b
}

// Var returns an environment variable, trimmed of whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// EnvVar describes one configuration variable for CLI usage docs.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap enumerates every variable the gateway honors, with current values.
func AsMap() map[string]EnvVar {
	host, port := CoordinatorHost()
	return map[string]EnvVar{
		"PORT":                             {"PORT", Host().Port(), "Port the gateway listens on"},
		"SOLLOL_HOST":                      {"SOLLOL_HOST", Host().Host, "Bind address for the gateway"},
		"OLLAMA_NODES":                     {"OLLAMA_NODES", OllamaNodes(), "Comma list of Ollama nodes (host:port), else discovery"},
		"RPC_BACKENDS":                     {"RPC_BACKENDS", RPCBackends(), "Comma list of rpc-server workers enabling sharding"},
		"SOLLOL_ADAPTIVE_INTERVAL_SECONDS": {"SOLLOL_ADAPTIVE_INTERVAL_SECONDS", AdaptiveInterval(), "Telemetry loop cadence"},
		"SOLLOL_LEARNING_HORIZON":          {"SOLLOL_LEARNING_HORIZON", LearningHorizon(), "How long learned task durations stay relevant"},
		"SOLLOL_COORDINATOR_HOST":          {"SOLLOL_COORDINATOR_HOST", host, "Coordinator bind host"},
		"SOLLOL_COORDINATOR_PORT":          {"SOLLOL_COORDINATOR_PORT", port, "Coordinator bind port"},
		"SOLLOL_LLAMA_SERVER":              {"SOLLOL_LLAMA_SERVER", CoordinatorBinary(), "llama-server executable"},
		"SOLLOL_LOAD_TIMEOUT":              {"SOLLOL_LOAD_TIMEOUT", LoadTimeout(), "Coordinator readiness timeout"},
		"OLLAMA_MODELS":                    {"OLLAMA_MODELS", Models(), "Ollama model store for GGUF resolution"},
		"SOLLOL_ENABLE_RAY":                {"SOLLOL_ENABLE_RAY", EnableRay(), "Ray compute integration flag"},
		"SOLLOL_ENABLE_DASK":               {"SOLLOL_ENABLE_DASK", EnableDask(), "Dask compute integration flag"},
		"SOLLOL_DEBUG":                     {"SOLLOL_DEBUG", LogLevel(), "Log verbosity (0=info, 1=debug, 2=trace)"},
	}
}

// Values returns the configuration as a loggable map.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
