package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/compilebox/internal/logging"
	"github.com/michaelbrown/compilebox/internal/sandbox"
)

type WorkspaceConfig struct {
	Root     string `mapstructure:"root"`
	Template string `mapstructure:"template"` // helper scripts copied into every workspace
}

type SandboxConfig struct {
	Supervisor    string        `mapstructure:"supervisor"`
	Flags         string        `mapstructure:"flags"`
	MountPoint    string        `mapstructure:"mount_point"`
	Launcher      string        `mapstructure:"launcher"`
	Image         string        `mapstructure:"image"`
	Delimiter     string        `mapstructure:"delimiter"`
	Timeout       int           `mapstructure:"timeout"` // seconds
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	GraceTicks    int           `mapstructure:"grace_ticks"`
	Notify        bool          `mapstructure:"notify"`
	AllowedImages []string      `mapstructure:"allowed_images"`
	MaxTimeout    int           `mapstructure:"max_timeout"`
}

type LanguagesConfig struct {
	File string `mapstructure:"file"` // optional YAML table merged over the defaults
}

type DispatchConfig struct {
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	SpawnRate     float64 `mapstructure:"spawn_rate"` // spawns per second; 0 disables pacing
	SpawnBurst    int     `mapstructure:"spawn_burst"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Languages LanguagesConfig `mapstructure:"languages"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Log       logging.Config  `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// Load reads compilebox.yaml from path, or from the working directory and
// $HOME/.compilebox when path is empty. A missing file is not an error;
// defaults and COMPILEBOX_* environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("compilebox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.compilebox")
	}

	v.SetEnvPrefix("compilebox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace.root", filepath.Join(os.TempDir(), "compilebox"))
	v.SetDefault("workspace.template", "./Payload")

	v.SetDefault("sandbox.supervisor", "./DockerTimeout.sh")
	v.SetDefault("sandbox.flags", "-i -t")
	v.SetDefault("sandbox.mount_point", "/usercode")
	v.SetDefault("sandbox.launcher", "/usercode/script.sh")
	v.SetDefault("sandbox.image", "virtual_machine")
	v.SetDefault("sandbox.delimiter", sandbox.DefaultDelimiter)
	v.SetDefault("sandbox.timeout", 20)
	v.SetDefault("sandbox.poll_interval", time.Second)
	v.SetDefault("sandbox.grace_ticks", 2)
	v.SetDefault("sandbox.notify", true)
	v.SetDefault("sandbox.allowed_images", sandbox.DefaultPolicy().Images)
	v.SetDefault("sandbox.max_timeout", sandbox.DefaultPolicy().MaxTimeoutSeconds)

	v.SetDefault("dispatch.max_concurrent", 4)
	v.SetDefault("dispatch.spawn_rate", 0)
	v.SetDefault("dispatch.spawn_burst", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
}

// Validate checks values viper cannot type-check on its own.
func (c *Config) Validate() error {
	if c.Workspace.Root == "" {
		return errors.New("config: workspace.root is required")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("config: sandbox.timeout must be positive, got %d", c.Sandbox.Timeout)
	}
	if c.Sandbox.PollInterval <= 0 {
		return fmt.Errorf("config: sandbox.poll_interval must be positive, got %s", c.Sandbox.PollInterval)
	}
	if c.Sandbox.GraceTicks < 0 {
		return fmt.Errorf("config: sandbox.grace_ticks must not be negative, got %d", c.Sandbox.GraceTicks)
	}
	if c.Dispatch.MaxConcurrent <= 0 {
		return fmt.Errorf("config: dispatch.max_concurrent must be positive, got %d", c.Dispatch.MaxConcurrent)
	}
	return nil
}

// ResolvePaths makes the workspace root absolute. The root is bind-mounted
// into the runtime, and docker treats a relative source as a volume name.
func (c *Config) ResolvePaths() error {
	root, err := filepath.Abs(c.Workspace.Root)
	if err != nil {
		return fmt.Errorf("config: resolving workspace.root: %w", err)
	}
	c.Workspace.Root = root
	return nil
}

// SandboxConfig converts the sandbox section into a sandbox.Config.
func (c *Config) SandboxConfig() (sandbox.Config, error) {
	flags, err := sandbox.SplitFlags(c.Sandbox.Flags)
	if err != nil {
		return sandbox.Config{}, err
	}
	return sandbox.Config{
		TemplateDir:     c.Workspace.Template,
		Supervisor:      c.Sandbox.Supervisor,
		SupervisorFlags: flags,
		MountPoint:      c.Sandbox.MountPoint,
		Launcher:        c.Sandbox.Launcher,
		Delimiter:       c.Sandbox.Delimiter,
		PollInterval:    c.Sandbox.PollInterval,
		GraceTicks:      c.Sandbox.GraceTicks,
		Notify:          c.Sandbox.Notify,
		Policy: sandbox.Policy{
			Images:            c.Sandbox.AllowedImages,
			MaxTimeoutSeconds: c.Sandbox.MaxTimeout,
		},
	}, nil
}
