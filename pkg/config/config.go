package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

// UnmarshalJSON accepts "90s" style strings and plain nanosecond numbers.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the application configuration.
type Config struct {
	WorkRoot string `json:"work_root" validate:"required"`
	Username string `json:"username"`

	Store     StoreConfig     `json:"store"`
	LLM       LLMConfig       `json:"llm"`
	Resolver  ResolverConfig  `json:"resolver"`
	Refiner   RefinerConfig   `json:"refiner"`
	Planner   PlannerConfig   `json:"planner"`
	Runner    RunnerConfig    `json:"runner"`
	Shell     ShellConfig     `json:"shell"`
	Code      CodeConfig      `json:"code"`
	Research  ResearchConfig  `json:"research"`
	Policy    PolicyConfig    `json:"policy"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// StoreConfig selects where execution records live.
type StoreConfig struct {
	Driver string `json:"driver" validate:"required,oneof=sqlite memory"`
	Path   string `json:"path" validate:"required_if=Driver sqlite"`
}

// LLMConfig configures the inference provider.
type LLMConfig struct {
	Provider    string   `json:"provider" validate:"required,oneof=openai azure anthropic gemini"`
	Model       string   `json:"model" validate:"required"`
	BaseURL     string   `json:"base_url"`
	Endpoint    string   `json:"endpoint" validate:"required_if=Provider azure"`
	APIVersion  string   `json:"api_version"`
	APIKey      string   `json:"api_key"`
	Temperature float64  `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int      `json:"max_tokens" validate:"gt=0"`
	Timeout     Duration `json:"timeout"`
}

// ResolverConfig picks the missing-value resolver.
type ResolverConfig struct {
	Mode string `json:"mode" validate:"required,oneof=rules llm"`
}

// RefinerConfig picks the prompt refiner.
type RefinerConfig struct {
	Mode string `json:"mode" validate:"required,oneof=template llm"`
}

// PlannerConfig bounds plan size.
type PlannerConfig struct {
	MaxTasks int `json:"max_tasks" validate:"gt=0,lte=200"`
}

// RunnerConfig mirrors engine.RunnerConfig.
type RunnerConfig struct {
	CommandTimeout Duration `json:"command_timeout"`
	TaskTimeout    Duration `json:"task_timeout"`
	MaxRetries     int      `json:"max_retries" validate:"gte=0,lte=10"`
	RetryBackoff   Duration `json:"retry_backoff"`
	MaxParallel    int      `json:"max_parallel" validate:"gte=1,lte=32"`
}

// ShellConfig configures command execution. When Remote is set commands run
// over SSH instead of locally.
type ShellConfig struct {
	Shell   string        `json:"shell" validate:"required"`
	PassEnv []string      `json:"pass_env"`
	Remote  *RemoteConfig `json:"remote,omitempty"`
}

// RemoteConfig is the SSH target for remote execution.
type RemoteConfig struct {
	Host            string   `json:"host" validate:"required,hostname|ip"`
	Port            int      `json:"port" validate:"gt=0,lt=65536"`
	User            string   `json:"user" validate:"required"`
	PrivateKeyPath  string   `json:"private_key_path,omitempty" validate:"required_without=Password"`
	Password        string   `json:"password,omitempty"`
	KnownHostsPath  string   `json:"known_hosts_path,omitempty"`
	InsecureHostKey bool     `json:"insecure_host_key"`
	ConnectTimeout  Duration `json:"connect_timeout"`
}

// CodeConfig configures the code agent and its interpreter.
type CodeConfig struct {
	Interpreter       string   `json:"interpreter" validate:"required,oneof=python wasi starlark"`
	PythonPath        string   `json:"python_path" validate:"required_if=Interpreter python"`
	WASMModule        string   `json:"wasm_module" validate:"required_if=Interpreter wasi"`
	MaxSteps          int      `json:"max_steps" validate:"gt=0,lte=50"`
	Timeout           Duration `json:"timeout"`
	AuthorizedImports []string `json:"authorized_imports"`
}

// ResearchConfig configures the research agent.
type ResearchConfig struct {
	Provider         string   `json:"provider" validate:"required,oneof=exa none"`
	APIKey           string   `json:"api_key"`
	NumResults       int      `json:"num_results" validate:"gt=0,lte=20"`
	MaxPages         int      `json:"max_pages" validate:"gte=0,lte=10"`
	MaxContextTokens int      `json:"max_context_tokens" validate:"gt=0"`
	FetchTimeout     Duration `json:"fetch_timeout"`
}

// PolicyConfig lists custom policy paths.
type PolicyConfig struct {
	Paths []string `json:"paths"`
	Watch bool     `json:"watch"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel    string        `json:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat   string        `json:"log_format" validate:"required,oneof=console json"`
	MetricsAddr string        `json:"metrics_addr" validate:"omitempty,hostname_port"`
	Tracing     TracingConfig `json:"tracing"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter" validate:"required,oneof=stdout otlp"`
	Endpoint string `json:"endpoint"`
}

// Default returns the built-in configuration. It matches the defaults in the
// embedded schema.
func Default() *Config {
	return &Config{
		WorkRoot: ".opsflow/work",
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   ".opsflow/sessions.db",
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			Temperature: 0.2,
			MaxTokens:   4096,
			Timeout:     Duration(2 * time.Minute),
		},
		Resolver: ResolverConfig{Mode: "rules"},
		Refiner:  RefinerConfig{Mode: "template"},
		Planner:  PlannerConfig{MaxTasks: 50},
		Runner: RunnerConfig{
			CommandTimeout: Duration(5 * time.Minute),
			MaxRetries:     2,
			RetryBackoff:   Duration(time.Second),
			MaxParallel:    1,
		},
		Shell: ShellConfig{
			Shell:   "/bin/sh",
			PassEnv: []string{"AZURE_", "ARM_", "PATH", "HOME"},
		},
		Code: CodeConfig{
			Interpreter:       "python",
			PythonPath:        "python3",
			MaxSteps:          6,
			Timeout:           Duration(2 * time.Minute),
			AuthorizedImports: []string{"json", "os", "re", "math", "datetime", "subprocess", "pathlib", "csv"},
		},
		Research: ResearchConfig{
			Provider:         "exa",
			NumResults:       5,
			MaxPages:         3,
			MaxContextTokens: 6000,
			FetchTimeout:     Duration(20 * time.Second),
		},
		Policy: PolicyConfig{Paths: []string{}},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
			Tracing: TracingConfig{
				Exporter: "stdout",
				Endpoint: "localhost:4317",
			},
		},
	}
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ApplyEnv fills secrets and identity from the environment. Values already
// set in the file win.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}

	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "azure":
			c.LLM.APIKey = getenv("AZURE_OPENAI_API_KEY")
		case "anthropic":
			c.LLM.APIKey = getenv("ANTHROPIC_API_KEY")
		case "gemini":
			c.LLM.APIKey = firstNonEmpty(getenv("GEMINI_API_KEY"), getenv("GOOGLE_API_KEY"))
		default:
			c.LLM.APIKey = getenv("OPENAI_API_KEY")
		}
	}
	if c.LLM.Provider == "azure" {
		if c.LLM.Endpoint == "" {
			c.LLM.Endpoint = getenv("AZURE_OPENAI_ENDPOINT")
		}
		if c.LLM.APIVersion == "" {
			c.LLM.APIVersion = getenv("AZURE_OPENAI_API_VERSION")
		}
	}
	if c.Research.APIKey == "" {
		c.Research.APIKey = getenv("EXA_API_KEY")
	}
	if c.Username == "" {
		c.Username = firstNonEmpty(getenv("OPSFLOW_USER"), getenv("USER"), getenv("USERNAME"))
	}
	if level := strings.ToLower(getenv("LOG_LEVEL")); level != "" {
		c.Telemetry.LogLevel = level
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
