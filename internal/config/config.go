package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for toolgov.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Project    ProjectConfig    `json:"project"`
	Filesystem FilesystemConfig `json:"filesystem"`
	Guardrail  GuardrailConfig  `json:"guardrail"`
	Command    CommandConfig    `json:"command"`
	Git        GitConfig        `json:"git"`
	GitHub     GitHubConfig     `json:"github"`
	BI         BIConfig         `json:"bi"`
	Governance GovernanceConfig `json:"governance"`
	RBAC       RBACConfig       `json:"rbac"`
	Audit      AuditConfig      `json:"audit"`
	Notify     NotifyConfig     `json:"notify"`
	API        APIConfig        `json:"api"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
	EnvFile  string `json:"envFile,omitempty"` // .env loaded before ${VAR} expansion
}

// ProjectConfig locates the codebase the agent operates on.
type ProjectConfig struct {
	Root string `json:"root"`
}

type FilesystemConfig struct {
	AllowedExtensions []string `json:"allowedExtensions"`
	BlockedDirs       []string `json:"blockedDirs"`
	BlockedFiles      []string `json:"blockedFiles"`   // base names never written
	ProtectedPaths    []string `json:"protectedPaths"` // project-relative paths never written
	SearchDirs        []string `json:"searchDirs"`
	MaxSearchResults  int      `json:"maxSearchResults"`
}

type GuardrailConfig struct {
	Enabled           bool     `json:"enabled"`
	BlockedPaths      []string `json:"blockedPaths"`
	AllowedDirs       []string `json:"allowedDirs"`
	MaxContentBytes   int      `json:"maxContentBytes"`
	DangerousPatterns []string `json:"dangerousPatterns"`
}

type CommandConfig struct {
	AllowedPrefixes     []string `json:"allowedPrefixes"`
	BlockedTerms        []string `json:"blockedTerms"`
	DefaultTimeoutMs    int      `json:"defaultTimeoutMs"`
	MaxTimeoutMs        int      `json:"maxTimeoutMs"`
	MaxOutputBytes      int      `json:"maxOutputBytes"`
	TypecheckCommand    []string `json:"typecheckCommand"`
	TypecheckTimeoutSec int      `json:"typecheckTimeoutSec"`
}

type GitConfig struct {
	MinMessageLength int `json:"minMessageLength"`
}

// GitHubConfig configures the external repository host. Owner/Repo name the
// home repository, the only one github_commit writes to.
type GitHubConfig struct {
	Enabled              bool   `json:"enabled"`
	Token                string `json:"token,omitempty"`
	Owner                string `json:"owner,omitempty"`
	Repo                 string `json:"repo,omitempty"`
	DefaultBranch        string `json:"defaultBranch"`
	BaseURL              string `json:"baseUrl,omitempty"` // GitHub Enterprise API root
	MaxFilesPerFocusPath int    `json:"maxFilesPerFocusPath"`
	TimeoutSec           int    `json:"timeoutSec"`
}

type BIConfig struct {
	Enabled          bool   `json:"enabled"`
	URL              string `json:"url"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	DatabaseURL      string `json:"databaseUrl,omitempty"` // Postgres DSN for catalog lookups
	TimeoutSec       int    `json:"timeoutSec"`
	HealthTimeoutSec int    `json:"healthTimeoutSec"`
	DefaultLimit     int    `json:"defaultLimit"`
	PreviewRows      int    `json:"previewRows"`
}

type GovernanceConfig struct {
	DBPath     string `json:"dbPath"`
	PolicyFile string `json:"policyFile,omitempty"` // YAML policy seed
}

type RBACConfig struct {
	DefaultPolicy string `json:"defaultPolicy"` // "allow" | "deny"
	FailOpen      bool   `json:"failOpen"`
}

type AuditConfig struct {
	Complete bool `json:"complete"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	ChatIDs   FlexStringList `json:"chatIds"`
	ParseMode string         `json:"parseMode"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, n.String())
			continue
		}
		return fmt.Errorf("chatIds: unsupported element %s", string(item))
	}
	*f = result
	return nil
}

type APIConfig struct {
	Enabled       bool    `json:"enabled"`
	Host          string  `json:"host"`
	Port          int     `json:"port"`
	APIKey        string  `json:"apiKey,omitempty"`
	RatePerMinute float64 `json:"ratePerMinute"` // per-agent dispatch limit, 0 disables
	RateBurst     int     `json:"rateBurst"`
}

// DefaultConfigDir returns the default config directory (~/.toolgov).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolgov"
	}
	return filepath.Join(home, ".toolgov")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// .env next to the config file, then in the working directory. Existing
	// environment variables are never overridden.
	loadEnvFile(filepath.Join(filepath.Dir(path), ".env"))
	loadEnvFile(".env")

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	if cfg.General.EnvFile != "" {
		loadEnvFile(ExpandPath(cfg.General.EnvFile))
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Project.Root = ExpandPath(cfg.Project.Root)
	cfg.Governance.DBPath = ExpandPath(cfg.Governance.DBPath)
	cfg.Governance.PolicyFile = ExpandPath(cfg.Governance.PolicyFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func loadEnvFile(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: cannot load %s: %v\n", path, err)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.Project.Root == "" {
		errs = append(errs, "project.root is required")
	}
	if cfg.Filesystem.MaxSearchResults < 1 {
		errs = append(errs, "filesystem.maxSearchResults must be >= 1")
	}
	if cfg.Guardrail.MaxContentBytes < 1 {
		errs = append(errs, "guardrail.maxContentBytes must be >= 1")
	}
	for _, p := range cfg.Guardrail.DangerousPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Sprintf("guardrail.dangerousPatterns: invalid pattern %q", p))
		}
	}

	if cfg.Command.DefaultTimeoutMs < 1 {
		errs = append(errs, "command.defaultTimeoutMs must be >= 1")
	}
	if cfg.Command.MaxTimeoutMs < cfg.Command.DefaultTimeoutMs {
		errs = append(errs, "command.maxTimeoutMs must be >= command.defaultTimeoutMs")
	}
	if cfg.Command.MaxOutputBytes < 1 {
		errs = append(errs, "command.maxOutputBytes must be >= 1")
	}
	if len(cfg.Command.TypecheckCommand) == 0 {
		errs = append(errs, "command.typecheckCommand must name a program")
	}
	if cfg.Git.MinMessageLength < 1 {
		errs = append(errs, "git.minMessageLength must be >= 1")
	}

	if cfg.GitHub.Enabled && cfg.GitHub.MaxFilesPerFocusPath < 1 {
		errs = append(errs, "github.maxFilesPerFocusPath must be >= 1")
	}
	if cfg.BI.Enabled {
		if cfg.BI.URL == "" {
			errs = append(errs, "bi.url is required when bi is enabled")
		}
		if cfg.BI.TimeoutSec < 1 || cfg.BI.HealthTimeoutSec < 1 {
			errs = append(errs, "bi.timeoutSec and bi.healthTimeoutSec must be >= 1")
		}
	}

	if cfg.Governance.DBPath == "" {
		errs = append(errs, "governance.dbPath is required")
	}
	switch cfg.RBAC.DefaultPolicy {
	case "allow", "deny":
	default:
		errs = append(errs, "rbac.defaultPolicy must be one of: allow, deny")
	}

	if cfg.Notify.Telegram.Enabled {
		if cfg.Notify.Telegram.Token == "" {
			errs = append(errs, "notify.telegram.token is required when enabled")
		}
		for _, id := range cfg.Notify.Telegram.ChatIDs {
			if _, err := strconv.ParseInt(id, 10, 64); err != nil {
				errs = append(errs, fmt.Sprintf("notify.telegram.chatIds: %q is not a numeric chat id", id))
			}
		}
	}
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.API.RatePerMinute < 0 || cfg.API.RateBurst < 0 {
		errs = append(errs, "api.ratePerMinute and api.rateBurst must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
