package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/comfygen/comfygen/graphapi"
)

// EnvPrefix prefixes every environment override, e.g. COMFYGEN_SERVER_ADDRESS
const EnvPrefix = "COMFYGEN"

// Workflow kinds a config may declare
const (
	WorkflowText2Img     = "text2img"
	WorkflowText2ImgPlus = "text2img_plus"
	WorkflowImg2Img      = "img2img"
	WorkflowUpscale      = "upscale"
)

var (
	ErrConfigMissing         = errors.New("config file not found")
	ErrServerAddressRequired = errors.New("server address is required")
	ErrUnknownNodeKey        = errors.New("unknown node key")
	ErrInvalidConfig         = errors.New("invalid config")
	ErrUnknownCheckpoint     = errors.New("checkpoint is not in the configured list")
)

// Config is the engine configuration
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Workflows   map[string]WorkflowConfig `yaml:"workflows" validate:"dive,keys,oneof=text2img text2img_plus img2img upscale,endkeys"`
	Upscale     UpscaleConfig             `yaml:"upscale"`
	Checkpoints CheckpointConfig          `yaml:"checkpoints"`
	Log         LogConfig                 `yaml:"log"`
	OutputDir   string                    `yaml:"output_dir"`
}

// ServerConfig describes how to reach the backend
type ServerConfig struct {
	Address          string        `yaml:"address" envconfig:"SERVER_ADDRESS"`
	JobTimeout       time.Duration `yaml:"job_timeout" envconfig:"JOB_TIMEOUT" validate:"gte=0"`
	ConnectRetries   int           `yaml:"connect_retries" envconfig:"CONNECT_RETRIES" validate:"gte=0,lte=20"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" envconfig:"RETRY_BASE_DELAY" validate:"gte=0"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay" envconfig:"RETRY_MAX_DELAY" validate:"gtefield=RetryBaseDelay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT" validate:"gte=0"`
	// QueueTimeout bounds the queue lookup made when a job starts
	QueueTimeout time.Duration `yaml:"queue_timeout" envconfig:"QUEUE_TIMEOUT" validate:"gte=0"`
	// StatusTimeout bounds each status delivery, StatusGrace the wait for
	// pending deliveries once the job is done
	StatusTimeout time.Duration `yaml:"status_timeout" envconfig:"STATUS_TIMEOUT" validate:"gte=0"`
	StatusGrace   time.Duration `yaml:"status_grace" envconfig:"STATUS_GRACE" validate:"gte=0"`
}

// WorkflowConfig is a graph template and the node ids carrying each role.
// Nodes keys are PROMPT_NODES, NEG_PROMPT_NODES, STEPS_NODES, CFG_NODES,
// CHECKPOINT_NODES, SAMPLER_NODES, RAND_SEED_NODES, CLIP_SKIP_NODES,
// FILE_INPUT_NODES and UPSCALE_MODEL_NODES; values are comma separated ids.
type WorkflowConfig struct {
	Template string            `yaml:"template" validate:"required"`
	Nodes    map[string]string `yaml:"nodes"`
}

// Roles parses the node lists into a role mapping
func (w WorkflowConfig) Roles() graphapi.RoleMapping {
	return graphapi.ParseRoleMapping(w.Nodes)
}

// UpscaleConfig holds settings specific to the upscale workflow
type UpscaleConfig struct {
	SeamFixNode string `yaml:"seam_fix_node" envconfig:"SEAM_FIX_NODE"`
}

// LogConfig selects the logger level and output format
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// Default returns the configuration used for values the file and environment leave unset
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:          "127.0.0.1:8188",
			JobTimeout:       10 * time.Minute,
			ConnectRetries:   3,
			RetryBaseDelay:   500 * time.Millisecond,
			RetryMaxDelay:    5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			QueueTimeout:     2 * time.Second,
			StatusTimeout:    2 * time.Second,
			StatusGrace:      time.Second,
		},
		Workflows: map[string]WorkflowConfig{},
		Upscale: UpscaleConfig{
			SeamFixNode: "6",
		},
		Checkpoints: CheckpointConfig{
			Presets:  DefaultPresets(),
			Fallback: GlobalFallback,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		OutputDir: "output",
	}
}

// Load reads the configuration.  The optional .env file at envPath is loaded
// into the process environment first (existing variables win), then the YAML
// file at path is applied over the defaults, then COMFYGEN_* variables.
// Relative template paths are resolved against the directory of path.
func Load(path, envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envPath, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrConfigMissing, path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
		cfg.resolveTemplates(filepath.Dir(path))
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	targets := []interface{}{&c.Server, &c.Upscale, &c.Log, &c.Checkpoints}
	for _, t := range targets {
		if err := envconfig.Process(EnvPrefix, t); err != nil {
			return fmt.Errorf("%w: environment: %v", ErrInvalidConfig, err)
		}
	}
	var top struct {
		OutputDir string `envconfig:"OUTPUT_DIR"`
	}
	if err := envconfig.Process(EnvPrefix, &top); err != nil {
		return fmt.Errorf("%w: environment: %v", ErrInvalidConfig, err)
	}
	if top.OutputDir != "" {
		c.OutputDir = top.OutputDir
	}
	return nil
}

func (c *Config) resolveTemplates(base string) {
	for name, w := range c.Workflows {
		if w.Template != "" && !filepath.IsAbs(w.Template) {
			w.Template = filepath.Join(base, w.Template)
			c.Workflows[name] = w
		}
	}
}

var validate = validator.New()

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return ErrServerAddressRequired
	}
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	known := make(map[string]bool)
	for _, k := range graphapi.RoleKeys() {
		known[k] = true
	}
	names := make([]string, 0, len(c.Workflows))
	for name := range c.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for key := range c.Workflows[name].Nodes {
			if !known[key] {
				return fmt.Errorf("%w: workflows.%s.nodes.%s", ErrUnknownNodeKey, name, key)
			}
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", e.Namespace(), e.Tag(), e.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", e.Namespace(), e.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}
