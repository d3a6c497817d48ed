package handler

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lawliet89/nomad-drain/internal/secret"
)

// Config is read from the environment once per invocation.
type Config struct {
	// Nomad
	NomadAddress     string
	UseNomadToken    bool
	NomadToken       secret.Secret
	DrainDeadline    time.Duration
	IgnoreSystemJobs bool
	PollInterval     time.Duration

	// Vault
	VaultAddress         string
	VaultToken           secret.Secret
	VaultAuthPath        string
	VaultAuthRole        string
	VaultAuthHeaderValue string
	VaultNomadPath       string
	VaultNomadRole       string

	// Lifecycle
	SafetyMargin       time.Duration
	HeartbeatThreshold time.Duration
	MaxHeartbeats      int
	DefaultHookTimeout time.Duration

	LogLevel string
}

// FromEnvironment reads and validates the handler configuration.
func FromEnvironment() (Config, error) {
	cfg := Config{
		NomadAddress:         os.Getenv("NOMAD_ADDR"),
		NomadToken:           secret.Secret(os.Getenv("NOMAD_TOKEN")),
		VaultAddress:         os.Getenv("VAULT_ADDR"),
		VaultToken:           secret.Secret(os.Getenv("VAULT_TOKEN")),
		VaultAuthPath:        os.Getenv("VAULT_AUTH_PATH"),
		VaultAuthRole:        os.Getenv("VAULT_AUTH_ROLE"),
		VaultAuthHeaderValue: os.Getenv("VAULT_AUTH_HEADER_VALUE"),
		VaultNomadPath:       os.Getenv("VAULT_NOMAD_PATH"),
		VaultNomadRole:       os.Getenv("VAULT_NOMAD_ROLE"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
	}

	if cfg.NomadAddress == "" {
		return cfg, errors.New("NOMAD_ADDR environment variable not defined")
	}

	var err error
	if cfg.UseNomadToken, err = envBool("USE_NOMAD_TOKEN", true); err != nil {
		return cfg, err
	}
	if cfg.IgnoreSystemJobs, err = envBool("IGNORE_SYSTEM_JOBS", false); err != nil {
		return cfg, err
	}
	if cfg.DrainDeadline, err = envDuration("DRAIN_DEADLINE", 10*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.SafetyMargin, err = envDuration("SAFETY_MARGIN", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatThreshold, err = envDuration("HEARTBEAT_THRESHOLD", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.DefaultHookTimeout, err = envDuration("DEFAULT_HOOK_TIMEOUT", 10*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.MaxHeartbeats, err = envInt("MAX_HEARTBEATS", 10); err != nil {
		return cfg, err
	}

	// Vault is only required when a Nomad token has to be minted.
	if cfg.UseNomadToken && cfg.NomadToken.IsEmpty() {
		if cfg.VaultAddress == "" {
			return cfg, errors.New("VAULT_ADDR environment variable not defined")
		}
		if cfg.VaultNomadRole == "" {
			return cfg, errors.New("VAULT_NOMAD_ROLE environment variable not defined")
		}
		if cfg.VaultToken.IsEmpty() && cfg.VaultAuthRole == "" {
			return cfg, errors.New("VAULT_AUTH_ROLE environment variable not defined")
		}
	}

	return cfg, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.WithMessagef(err, "parsing %s", name)
	}
	return d, nil
}

func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.WithMessagef(err, "parsing %s", name)
	}
	return n, nil
}

func envBool(name string, fallback bool) (bool, error) {
	switch strings.ToLower(os.Getenv(name)) {
	case "":
		return fallback, nil
	case "1", "true", "t", "yes", "y":
		return true, nil
	case "0", "false", "f", "no", "n":
		return false, nil
	default:
		return false, errors.Errorf("unrecognized boolean value for %s", name)
	}
}
