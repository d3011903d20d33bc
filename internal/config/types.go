package config

import (
	"time"

	"github.com/mattjoyce/cmdsink/internal/auth"
	"github.com/mattjoyce/cmdsink/internal/sink"
)

// OutputTypeCommand is the only supported output type.
const OutputTypeCommand = "command"

// Config represents the complete cmdsink configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`
	Exec    ExecConfig    `yaml:"exec"`
	Input   InputConfig   `yaml:"in"`
	Output  OutputConfig  `yaml:"out"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where the run ledger lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the read-only status API.
// With no tokens the API is open to anyone who can reach the listen address.
type APIConfig struct {
	Enabled bool               `yaml:"enabled"`
	Listen  string             `yaml:"listen"`
	Tokens  []auth.TokenConfig `yaml:"tokens,omitempty"`
}

// ExecConfig defines how many output units run in parallel.
type ExecConfig struct {
	Tasks int `yaml:"tasks"`
}

// InputConfig defines where bytes come from and how they are cut into files.
type InputConfig struct {
	Paths      []string `yaml:"paths"`
	SplitBytes int64    `yaml:"split_bytes,omitempty"`
	BufferSize int      `yaml:"buffer_size,omitempty"`
}

// OutputConfig defines the command output.
type OutputConfig struct {
	Type        string        `yaml:"type"`
	Command     string        `yaml:"command"`
	WaitTimeout time.Duration `yaml:"wait_timeout,omitempty"`
	AbortPolicy string        `yaml:"abort_policy,omitempty"`
	// OS overrides the host OS used to pick the shell.
	OS string `yaml:"os,omitempty"`
}

// SinkConfig converts the output section into the sink's configuration.
func (o OutputConfig) SinkConfig() sink.Config {
	return sink.Config{
		Command:     o.Command,
		OS:          o.OS,
		WaitTimeout: o.WaitTimeout,
		AbortPolicy: sink.AbortPolicy(o.AbortPolicy),
	}
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "cmdsink",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/cmdsink.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8088",
		},
		Exec: ExecConfig{
			Tasks: 1,
		},
		Input: InputConfig{
			BufferSize: 32 * 1024,
		},
		Output: OutputConfig{
			Type:        OutputTypeCommand,
			AbortPolicy: string(sink.AbortLeave),
		},
	}
}
