package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProjectDir is the per-project state directory under the working tree.
const ProjectDir = ".matchq"

// Config represents the application configuration
type Config struct {
	Root          string   `yaml:"root" validate:"required"`
	DBPath        string   `yaml:"db_path" validate:"required"`
	Addr          string   `yaml:"addr" validate:"omitempty,hostname_port"`
	Unix          string   `yaml:"unix"`
	Token         string   `yaml:"token"`
	ScriptCommand []string `yaml:"script_command"`
	MigrationsDir string   `yaml:"migrations_dir"`
	DebugCommand  []string `yaml:"debug_command"`
	StageAll      bool     `yaml:"stage_all"`
	Conflicts     string   `yaml:"conflicts" validate:"oneof=prefer-incoming fail"`
	LogLevel      string   `yaml:"log_level" validate:"oneof=debug info warn error"`
	Output        string   `yaml:"output" validate:"oneof=table json ndjson yaml tsv"`
	Webhooks      []string `yaml:"webhooks" validate:"dive,url"`
}

var validate = validator.New()

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. <root>/.matchq/config.yaml
// 4. ~/.config/matchq/config.yaml
func Load() (*Config, error) {
	cfg := &Config{
		Addr:      "127.0.0.1:7317",
		Conflicts: "prefer-incoming",
		LogLevel:  "info",
		Output:    "table",
	}

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// Both YAML files are optional
	if homeDir, err := os.UserHomeDir(); err == nil {
		if err := loadYAMLFile(cfg, filepath.Join(homeDir, ".config", "matchq", "config.yaml")); err != nil {
			return nil, err
		}
	}
	root := os.Getenv("MATCHQ_ROOT")
	if root == "" {
		root = cfg.Root
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		root = cwd
	}
	if err := loadYAMLFile(cfg, filepath.Join(root, ProjectDir, "config.yaml")); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	if cfg.Root == "" {
		cfg.Root = root
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", cfg.Root, err)
	}
	cfg.Root = abs

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.Root, ProjectDir, "matchq.db")
	}
	if cfg.MigrationsDir == "" {
		cfg.MigrationsDir = filepath.Join(cfg.Root, ProjectDir, "migrations")
	}
	if len(cfg.ScriptCommand) == 0 {
		cfg.ScriptCommand = []string{"matchq-script"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if root := os.Getenv("MATCHQ_ROOT"); root != "" {
		cfg.Root = root
	}
	if dbPath := getEnvOrFile("MATCHQ_DB_PATH", "MATCHQ_DB_PATH_FILE"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if addr := os.Getenv("MATCHQ_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if token := getEnvOrFile("MATCHQ_TOKEN", "MATCHQ_TOKEN_FILE"); token != "" {
		cfg.Token = token
	}
	if script := os.Getenv("MATCHQ_SCRIPT"); script != "" {
		cfg.ScriptCommand = strings.Fields(script)
	}
	if dir := os.Getenv("MATCHQ_MIGRATIONS_DIR"); dir != "" {
		cfg.MigrationsDir = dir
	}
	if stageAll := os.Getenv("MATCHQ_STAGE_ALL"); stageAll != "" {
		if v, err := strconv.ParseBool(stageAll); err == nil {
			cfg.StageAll = v
		}
	}
	if conflicts := os.Getenv("MATCHQ_CONFLICTS"); conflicts != "" {
		cfg.Conflicts = conflicts
	}
	if logLevel := os.Getenv("MATCHQ_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if output := os.Getenv("MATCHQ_OUTPUT"); output != "" {
		cfg.Output = output
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		if dir == homeDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// ServerURL returns the base URL clients use to reach the daemon.
func (c *Config) ServerURL() string {
	if c.Unix != "" {
		return "http://unix"
	}
	return "http://" + c.Addr
}
