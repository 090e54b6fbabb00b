package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	z "github.com/Oudwins/zog"
	"gopkg.in/yaml.v3"

	"github.com/agentforge/deskrun/internals/desk"
	"github.com/agentforge/deskrun/internals/env"
)

const DefaultPath = "~/.deskrun/config.yml"

const DefaultPrompt = "Create a single file called calculate_pi.rb that calculates Pi to N decimal places, " +
	"where N is passed as a command-line argument. Keep it simple, under 20 lines."

type Config struct {
	Desk    DeskConfig    `zog:"desk"`
	Ollama  OllamaConfig  `zog:"ollama"`
	Run     RunConfig     `zog:"run"`
	Logging LoggingConfig `zog:"logging"`
	Metrics MetricsConfig `zog:"metrics"`
	Tracing TracingConfig `zog:"tracing"`
}

type DeskConfig struct {
	BaseURL    string `zog:"base_url"`
	Username   string `zog:"username"`
	Password   string `zog:"password"`
	ProjectDir string `zog:"project_dir"`
}

type OllamaConfig struct {
	URL string `zog:"url"`
	// WarmupTimeout is in seconds.
	WarmupTimeout int  `zog:"warmup_timeout"`
	NoWarmup      bool `zog:"no_warmup"`
}

type RunConfig struct {
	Prompt     string `zog:"prompt"`
	PromptFile string `zog:"prompt_file"`
	Model      string `zog:"model"`
	// Timeout and StaleThreshold are in seconds.
	Timeout        int             `zog:"timeout"`
	Retries        int             `zog:"retries"`
	Mode           desk.Mode       `zog:"mode"`
	EditFormat     desk.EditFormat `zog:"edit_format"`
	TargetFile     string          `zog:"target_file"`
	StaleThreshold int             `zog:"stale_threshold"`
	NoCleanup      bool            `zog:"no_cleanup"`
	NoTailLogs     bool            `zog:"no_tail_logs"`
}

type LoggingConfig struct {
	Debug bool   `zog:"debug"`
	File  string `zog:"file"`
}

type MetricsConfig struct {
	File string `zog:"file"`
}

type TracingConfig struct {
	OTLPEndpoint string `zog:"otlp_endpoint"`
}

var deskSchema = z.Struct(z.Shape{
	"BaseURL":    z.String().Default("http://localhost:24337").Trim(),
	"Username":   z.String().Default("admin"),
	"Password":   z.String().Default("booberry"),
	"ProjectDir": z.String().Default("~/agent-forge/projects/demo").Transform(expandPathTransform),
})

var ollamaSchema = z.Struct(z.Shape{
	"URL":           z.String().Default("http://localhost:11434").Trim(),
	"WarmupTimeout": z.Int().Default(300).GT(0),
	"NoWarmup":      z.Bool().Default(false),
})

var runSchema = z.Struct(z.Shape{
	"Prompt":         z.String().Default(DefaultPrompt),
	"PromptFile":     z.String().Optional().Transform(expandPathTransform),
	"Model":          z.String().Default("ollama/qwen2.5-coder:32b").Trim(),
	"Timeout":        z.Int().Default(120).GT(0),
	"Retries":        z.Int().Default(3).GT(0),
	"Mode":           z.StringLike[desk.Mode]().Default(desk.ModeCode).OneOf(desk.Modes),
	"EditFormat":     z.StringLike[desk.EditFormat]().Optional().OneOf(desk.EditFormats),
	"TargetFile":     z.String().Optional().Transform(expandPathTransform),
	"StaleThreshold": z.Int().Default(30).GT(0),
	"NoCleanup":      z.Bool().Default(false),
	"NoTailLogs":     z.Bool().Default(false),
})

var loggingSchema = z.Struct(z.Shape{
	"Debug": z.Bool().Default(false),
	"File":  z.String().Optional().Transform(expandPathTransform),
})

var metricsSchema = z.Struct(z.Shape{
	"File": z.String().Optional().Transform(expandPathTransform),
})

var tracingSchema = z.Struct(z.Shape{
	"OTLPEndpoint": z.String().Optional().Trim(),
})

var ConfigSchema = z.Struct(z.Shape{
	"Desk":    deskSchema,
	"Ollama":  ollamaSchema,
	"Run":     runSchema,
	"Logging": loggingSchema,
	"Metrics": metricsSchema,
	"Tracing": tracingSchema,
})

// Defaults returns the built-in configuration.
func Defaults() (*Config, error) {
	return parse(map[string]any{})
}

// Load reads the YAML file at path over the defaults. A missing or empty file
// yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	resolved, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults()
		}
		return nil, fmt.Errorf("read config %s: %w", resolved, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return Defaults()
	}

	var payload map[string]any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", resolved, err)
	}
	return parse(payload)
}

func parse(payload map[string]any) (*Config, error) {
	cfg := &Config{}
	if issues := ConfigSchema.Parse(payload, cfg); len(issues) > 0 {
		return nil, fmt.Errorf("invalid config:\n%s", z.Issues.Prettify(issues))
	}
	return cfg, nil
}

// ApplyEnv overlays non-empty environment values.
func (c *Config) ApplyEnv(e *env.EnvStruct) {
	if e == nil {
		return
	}
	if e.BASE_URL != "" {
		c.Desk.BaseURL = e.BASE_URL
	}
	if e.USERNAME != "" {
		c.Desk.Username = e.USERNAME
	}
	if e.PASSWORD != "" {
		c.Desk.Password = e.PASSWORD
	}
	if e.PROJECT_DIR != "" {
		if dir, err := expandPath(e.PROJECT_DIR); err == nil {
			c.Desk.ProjectDir = dir
		}
	}
	if e.OLLAMA_HOST != "" {
		c.Ollama.URL = ollamaURL(e.OLLAMA_HOST)
	}
}

// Validate re-checks the config after flags were applied.
func (c *Config) Validate() error {
	if issues := ConfigSchema.Validate(c); len(issues) > 0 {
		return fmt.Errorf("invalid config:\n%s", z.Issues.Prettify(issues))
	}
	return nil
}

// ollamaURL accepts OLLAMA_HOST in its bare host:port form.
func ollamaURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "http://" + host
}

func expandPathTransform(ptr *string, c z.Ctx) error {
	expanded, err := expandPath(*ptr)
	*ptr = expanded
	return err
}

// ExpandPath resolves a leading ~ against the user's home directory.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}
