// Package config assembles the server configuration from built-in
// defaults, an optional TOML file, the environment (including a .env file)
// and command-line flags, each layer overriding the one before.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "ORBITER_"

type Config struct {
	HTTP      HTTPConfig      `toml:"http"`
	GRPC      GRPCConfig      `toml:"grpc"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Sim       SimConfig       `toml:"simulation"`
	Autosave  AutosaveConfig  `toml:"autosave"`
	Database  DatabaseConfig  `toml:"database"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Logging   LoggingConfig   `toml:"logging"`
	Tracing   TracingConfig   `toml:"tracing"`
}

type HTTPConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AssetPath      string   `toml:"asset_path"`
	AllowedOrigins []string `toml:"allowed_origins"`
	CORSDebug      bool     `toml:"cors_debug"`
}

// Addr joins host and port.
func (c HTTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type GRPCConfig struct {
	// Addr is where the control service listens. Empty disables it.
	Addr string `toml:"addr"`
}

type MetricsConfig struct {
	// Addr serves /metrics on a separate listener. Empty leaves /metrics on
	// the HTTP API only.
	Addr string `toml:"addr"`
}

type SimConfig struct {
	Tick        time.Duration `toml:"tick"`
	TimeScale   float64       `toml:"time_scale"`
	Scenario    string        `toml:"scenario"`
	Seed        uint64        `toml:"seed"`
	Accelerated bool          `toml:"accelerated"`
}

type AutosaveConfig struct {
	File   string        `toml:"file"`
	Period time.Duration `toml:"period"`
	Pretty bool          `toml:"pretty"`
}

type DatabaseConfig struct {
	DSN             string        `toml:"dsn"`
	MaxConns        int           `toml:"max_conns"`
	MinConns        int           `toml:"min_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	Keep            int           `toml:"keep"`
}

type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	BurstSize         int     `toml:"burst_size"`
	TrustProxy        bool    `toml:"trust_proxy"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	ServiceName string  `toml:"service_name"`
	Exporter    string  `toml:"exporter"`
	Endpoint    string  `toml:"otlp_endpoint"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Host: "127.0.0.1",
			Port: 8088,
		},
		GRPC: GRPCConfig{Addr: "127.0.0.1:50051"},
		Sim: SimConfig{
			Tick:      time.Second,
			TimeScale: 1,
		},
		Autosave: AutosaveConfig{
			File:   "save.json",
			Period: 5 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        4,
			MinConns:        1,
			ConnMaxLifetime: 30 * time.Minute,
			Keep:            100,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			BurstSize:         40,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "orbiter-server",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// LoadFile overlays the TOML file at path onto cfg. Keys the file sets that
// no field knows about are an error.
func LoadFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// WithDotEnv returns a lookup that consults base first and falls back to
// the variables in the .env file at path. A missing file is not an error.
func WithDotEnv(path string, base LookupFunc) (LookupFunc, error) {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return base, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return func(key string) (string, bool) {
		if v, ok := base(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}, nil
}

type envVar struct {
	name string
	set  func(*Config, string) error
}

var envVars = []envVar{
	{"HOST", func(c *Config, v string) error { c.HTTP.Host = v; return nil }},
	{"PORT", intVar(func(c *Config) *int { return &c.HTTP.Port })},
	{"ASSET_PATH", func(c *Config, v string) error { c.HTTP.AssetPath = v; return nil }},
	{"CORS_ORIGINS", func(c *Config, v string) error { c.HTTP.AllowedOrigins = splitList(v); return nil }},
	{"CORS_DEBUG", boolVar(func(c *Config) *bool { return &c.HTTP.CORSDebug })},
	{"GRPC_ADDR", func(c *Config, v string) error { c.GRPC.Addr = v; return nil }},
	{"METRICS_ADDR", func(c *Config, v string) error { c.Metrics.Addr = v; return nil }},
	{"TICK", durationVar(func(c *Config) *time.Duration { return &c.Sim.Tick })},
	{"TIME_SCALE", floatVar(func(c *Config) *float64 { return &c.Sim.TimeScale })},
	{"SCENARIO", func(c *Config, v string) error { c.Sim.Scenario = v; return nil }},
	{"SEED", func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		c.Sim.Seed = n
		return err
	}},
	{"ACCELERATED", boolVar(func(c *Config) *bool { return &c.Sim.Accelerated })},
	{"AUTOSAVE_FILE", func(c *Config, v string) error { c.Autosave.File = v; return nil }},
	{"AUTOSAVE_PERIOD", durationVar(func(c *Config) *time.Duration { return &c.Autosave.Period })},
	{"AUTOSAVE_PRETTY", boolVar(func(c *Config) *bool { return &c.Autosave.Pretty })},
	{"PG_DSN", func(c *Config, v string) error { c.Database.DSN = v; return nil }},
	{"PG_KEEP", intVar(func(c *Config) *int { return &c.Database.Keep })},
	{"RATE_LIMIT_ENABLED", boolVar(func(c *Config) *bool { return &c.RateLimit.Enabled })},
	{"RATE_LIMIT_RPS", floatVar(func(c *Config) *float64 { return &c.RateLimit.RequestsPerSecond })},
	{"RATE_LIMIT_BURST", intVar(func(c *Config) *int { return &c.RateLimit.BurstSize })},
	{"TRUST_PROXY", boolVar(func(c *Config) *bool { return &c.RateLimit.TrustProxy })},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
	{"TRACING_ENABLED", boolVar(func(c *Config) *bool { return &c.Tracing.Enabled })},
	{"TRACING_SERVICE_NAME", func(c *Config, v string) error { c.Tracing.ServiceName = v; return nil }},
	{"TRACING_EXPORTER", func(c *Config, v string) error { c.Tracing.Exporter = strings.ToLower(v); return nil }},
	{"TRACING_SAMPLE_RATIO", floatVar(func(c *Config) *float64 { return &c.Tracing.SampleRatio })},
	{"OTLP_ENDPOINT", func(c *Config, v string) error { c.Tracing.Endpoint = v; return nil }},
}

// ApplyEnv overlays ORBITER_* variables onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	for _, ev := range envVars {
		key := EnvPrefix + ev.name
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			*field(c) = n
		}
		return err
	}
}

func floatVar(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*field(c) = f
		}
		return err
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*field(c) = b
		}
		return err
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := parseDuration(v)
		if err == nil {
			*field(c) = d
		}
		return err
	}
}

// parseDuration accepts Go durations and bare numbers of seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.HTTP.Port))
	}
	if c.Sim.Tick <= 0 {
		errs = append(errs, fmt.Errorf("tick must be positive, got %v", c.Sim.Tick))
	}
	if c.Sim.TimeScale < 0 || math.IsNaN(c.Sim.TimeScale) || math.IsInf(c.Sim.TimeScale, 0) {
		errs = append(errs, fmt.Errorf("time scale must be finite and non-negative, got %v", c.Sim.TimeScale))
	}
	if c.Autosave.Period < 0 {
		errs = append(errs, fmt.Errorf("autosave period must not be negative, got %v", c.Autosave.Period))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			errs = append(errs, fmt.Errorf("rate limit requests per second must be positive"))
		}
		if c.RateLimit.BurstSize < 1 {
			errs = append(errs, fmt.Errorf("rate limit burst must be at least 1"))
		}
	}
	if c.Database.Keep < 0 {
		errs = append(errs, fmt.Errorf("database keep must not be negative"))
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "stdout", "otlp", "otlpgrpc":
	default:
		errs = append(errs, fmt.Errorf("tracing exporter %q is not stdout or otlp", c.Tracing.Exporter))
	}
	if !(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1) {
		errs = append(errs, fmt.Errorf("tracing sample ratio must be within [0, 1], got %v", c.Tracing.SampleRatio))
	}
	return errors.Join(errs...)
}

// Load builds the configuration for a command invoked with args. The
// config file comes from -config or ORBITER_CONFIG and the .env file from
// -env-file (default ".env"). Flags given on the command line win over
// everything else.
func Load(name string, args []string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	// First pass: find out which flags were given, without committing
	// their values yet.
	scratch := Default()
	probe := flag.NewFlagSet(name, flag.ContinueOnError)
	var configPath, envFile string
	probe.StringVar(&configPath, "config", "", "path to a TOML config file")
	probe.StringVar(&envFile, "env-file", ".env", "path to a .env file")
	bindFlags(probe, &scratch)
	if err := probe.Parse(args); err != nil {
		return Config{}, err
	}

	env, err := WithDotEnv(envFile, lookup)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if configPath == "" {
		configPath, _ = env(EnvPrefix + "CONFIG")
	}
	if configPath != "" {
		if err := LoadFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, env); err != nil {
		return Config{}, err
	}

	final := flag.NewFlagSet(name, flag.ContinueOnError)
	bindFlags(final, &cfg)
	var setErr error
	probe.Visit(func(f *flag.Flag) {
		if final.Lookup(f.Name) == nil || setErr != nil {
			return
		}
		setErr = final.Set(f.Name, f.Value.String())
	})
	if setErr != nil {
		return Config{}, setErr
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.HTTP.Host, "host", c.HTTP.Host, "host the HTTP API binds to")
	fs.IntVar(&c.HTTP.Port, "port", c.HTTP.Port, "port the HTTP API listens on")
	fs.StringVar(&c.HTTP.AssetPath, "asset-path", c.HTTP.AssetPath, "directory of static client assets served at /")
	fs.Var((*listValue)(&c.HTTP.AllowedOrigins), "cors-origins", "comma separated allowed CORS origins (empty allows any)")
	fs.StringVar(&c.GRPC.Addr, "grpc-addr", c.GRPC.Addr, "TCP address of the gRPC control service (empty disables)")
	fs.StringVar(&c.Metrics.Addr, "metrics-addr", c.Metrics.Addr, "separate HTTP address for Prometheus /metrics")
	fs.DurationVar(&c.Sim.Tick, "tick", c.Sim.Tick, "wall-clock interval between universe updates")
	fs.Float64Var(&c.Sim.TimeScale, "time-scale", c.Sim.TimeScale, "initial simulated seconds per update")
	fs.StringVar(&c.Sim.Scenario, "scenario", c.Sim.Scenario, "YAML scenario used when no autosave exists")
	fs.Uint64Var(&c.Sim.Seed, "seed", c.Sim.Seed, "seed for the built-in solar system's random colours")
	fs.BoolVar(&c.Sim.Accelerated, "accelerated", c.Sim.Accelerated, "run updates back to back instead of once per tick")
	fs.StringVar(&c.Autosave.File, "autosave-file", c.Autosave.File, "snapshot file loaded at startup and saved periodically (empty disables)")
	fs.DurationVar(&c.Autosave.Period, "autosave-period", c.Autosave.Period, "interval between autosaves")
	fs.BoolVar(&c.Autosave.Pretty, "autosave-pretty", c.Autosave.Pretty, "indent the autosave file")
	fs.StringVar(&c.Database.DSN, "pg-dsn", c.Database.DSN, "Postgres DSN for snapshot history (empty disables)")
	fs.BoolVar(&c.RateLimit.Enabled, "rate-limit", c.RateLimit.Enabled, "enable per-client rate limiting")
	fs.StringVar(&c.Logging.Level, "log-level", c.Logging.Level, "debug, info, warn or error")
	fs.StringVar(&c.Logging.Format, "log-format", c.Logging.Format, "text or json")
	fs.BoolVar(&c.Tracing.Enabled, "tracing", c.Tracing.Enabled, "export OpenTelemetry spans")
	fs.StringVar(&c.Tracing.Exporter, "tracing-exporter", c.Tracing.Exporter, "stdout or otlp")
	fs.StringVar(&c.Tracing.Endpoint, "otlp-endpoint", c.Tracing.Endpoint, "OTLP gRPC collector address")
	fs.Float64Var(&c.Tracing.SampleRatio, "tracing-sample-ratio", c.Tracing.SampleRatio, "fraction of root spans to sample")
}

type listValue []string

func (l *listValue) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *listValue) Set(v string) error {
	*l = splitList(v)
	return nil
}
