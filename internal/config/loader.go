package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/cmdsink/internal/sink"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultFileName is looked up in the working directory when no path is given.
const DefaultFileName = "cmdsink.yaml"

// Load reads, interpolates, verifies and validates the configuration at configPath.
// A directory is accepted and resolved to its cmdsink.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	// Relative paths are relative to the config file, not the working directory.
	baseDir := filepath.Dir(absPath)
	cfg.State.Path = resolveRelative(baseDir, cfg.State.Path)
	for i, p := range cfg.Input.Paths {
		if p != "-" {
			cfg.Input.Paths[i] = resolveRelative(baseDir, p)
		}
	}

	return cfg, nil
}

// Parse interpolates ${VAR} references in data, applies defaults and validates.
// out.command is left verbatim; the shell expands its variables.
func Parse(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var cfg Config
	if len(doc.Content) > 0 {
		interpolateNode(doc.Content[0], "")
		if err := doc.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	applyConfigDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Discover finds a config file when none was given.
// Priority order: $CMDSINK_CONFIG, ./cmdsink.yaml, ~/.config/cmdsink/cmdsink.yaml
func Discover() (string, error) {
	if p := os.Getenv("CMDSINK_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName, nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "cmdsink", DefaultFileName)
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $CMDSINK_CONFIG, ./%s, ~/.config/cmdsink/%s)", DefaultFileName, DefaultFileName)
}

// applyConfigDefaults fills values that were not explicitly set.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Exec.Tasks == 0 {
		cfg.Exec.Tasks = defaults.Exec.Tasks
	}

	if cfg.Input.BufferSize == 0 {
		cfg.Input.BufferSize = defaults.Input.BufferSize
	}

	if cfg.Output.Type == "" {
		cfg.Output.Type = defaults.Output.Type
	}
	if cfg.Output.AbortPolicy == "" {
		cfg.Output.AbortPolicy = defaults.Output.AbortPolicy
	}
}

// Validate performs basic validation on the configuration.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be one of: json, text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the api is enabled")
	}
	for i, tok := range cfg.API.Tokens {
		field := fmt.Sprintf("api.tokens[%d]", i)
		if strings.TrimSpace(tok.Token) == "" {
			return fmt.Errorf("%s.token is required", field)
		}
		if err := checkUnresolvedEnvVar(field+".token", tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("%s.scopes must not be empty", field)
		}
	}

	if cfg.Exec.Tasks < 1 {
		return fmt.Errorf("exec.tasks must be positive (got %d)", cfg.Exec.Tasks)
	}

	if cfg.Input.SplitBytes < 0 {
		return fmt.Errorf("in.split_bytes must not be negative")
	}
	if cfg.Input.BufferSize < 0 {
		return fmt.Errorf("in.buffer_size must not be negative")
	}

	if cfg.Output.Type != OutputTypeCommand {
		return fmt.Errorf("out.type must be %q (got %q)", OutputTypeCommand, cfg.Output.Type)
	}
	if strings.TrimSpace(cfg.Output.Command) == "" {
		return fmt.Errorf("out.command is required")
	}
	if cfg.Output.AbortPolicy != "leave" && cfg.Output.AbortPolicy != "kill" {
		return fmt.Errorf("out.abort_policy must be one of: leave, kill (got %q)", cfg.Output.AbortPolicy)
	}
	if cfg.Output.WaitTimeout < 0 {
		return fmt.Errorf("out.wait_timeout must not be negative")
	}

	return nil
}

// verbatimKeys are passed through without interpolation.
var verbatimKeys = map[string]bool{
	"out.command": true,
}

// interpolateNode expands ${VAR} in scalar values below node. path is the dotted
// key path of node.
func interpolateNode(node *yaml.Node, path string) {
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			if path != "" {
				key = path + "." + key
			}
			interpolateNode(node.Content[i+1], key)
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			interpolateNode(item, path)
		}
	case yaml.ScalarNode:
		if verbatimKeys[path] {
			return
		}
		expanded := interpolateEnv(node.Value)
		if expanded != node.Value {
			node.Value = expanded
			if node.Style == 0 {
				// Let a plain scalar resolve again, e.g. tasks: ${N}.
				node.Tag = ""
			}
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded). ${INDEX} and ${SEQID} are
// always left for the shell, as are $VAR references without braces.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if isSinkVar(varName) {
			return match
		}
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// checkUnresolvedEnvVar rejects ${VAR} placeholders that survived interpolation.
// ${INDEX} and ${SEQID} are set per file by the sink and are allowed through.
func checkUnresolvedEnvVar(field, value string) error {
	for _, m := range envVarPattern.FindAllStringSubmatch(value, -1) {
		if isSinkVar(m[1]) {
			continue
		}
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

func isSinkVar(name string) bool {
	return name == sink.EnvIndex || name == sink.EnvSeqID
}

func resolveRelative(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
