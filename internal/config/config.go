package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "KIDIVIS"
	defaultServerHost     = "0.0.0.0"
	defaultServerPort     = 8000
	defaultReadTimeout    = 5 * time.Second
	defaultIdleTimeout    = 30 * time.Second
	defaultLogLevel       = "info"
	defaultKiCadCLI       = "kicad-cli"
	defaultLayers         = "F.Cu F.Silkscreen F.Mask B.Cu B.Silkscreen B.Mask Edge.Cuts"
	defaultHistoryBackend = HistoryBackendGoGit
	defaultTokenTTL       = 12 * 60
	defaultAllowedOrigins = "*"

	// HistoryBackendGoGit reads revisions in-process.
	HistoryBackendGoGit = "gogit"
	// HistoryBackendCLI shells out to the git binary.
	HistoryBackendCLI = "cli"
)

// AppConfig captures runtime configuration for the visualizer.
type AppConfig struct {
	ServerHost        string
	ServerPort        int
	ReadTimeout       time.Duration
	IdleTimeout       time.Duration
	LogLevel          string
	KiCadCLI          string
	Layers            []string
	HistoryBackend    string
	WorkspaceBaseDir  string
	WatchWorkingCopy  bool
	DatabasePath      string
	AuthSigningSecret string
	TokenTTL          time.Duration
	AllowedOrigins    []string
}

// HTTPAddress joins host and port for http.Server.
func (c AppConfig) HTTPAddress() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

// AuthEnabled reports whether access tokens are required.
func (c AppConfig) AuthEnabled() bool {
	return c.AuthSigningSecret != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("server.host", defaultServerHost)
	configViper.SetDefault("server.port", defaultServerPort)
	configViper.SetDefault("server.read_timeout", defaultReadTimeout)
	configViper.SetDefault("server.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("common.kicad_cli", defaultKiCadCLI)
	configViper.SetDefault("common.layers", defaultLayers)
	configViper.SetDefault("history.backend", defaultHistoryBackend)
	configViper.SetDefault("workspace.base_dir", "")
	configViper.SetDefault("watch.working_copy", false)
	configViper.SetDefault("database.path", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServerHost:        strings.TrimSpace(configViper.GetString("server.host")),
		ServerPort:        configViper.GetInt("server.port"),
		ReadTimeout:       configViper.GetDuration("server.read_timeout"),
		IdleTimeout:       configViper.GetDuration("server.idle_timeout"),
		LogLevel:          configViper.GetString("log.level"),
		KiCadCLI:          strings.TrimSpace(configViper.GetString("common.kicad_cli")),
		Layers:            strings.Fields(configViper.GetString("common.layers")),
		HistoryBackend:    strings.ToLower(strings.TrimSpace(configViper.GetString("history.backend"))),
		WorkspaceBaseDir:  strings.TrimSpace(configViper.GetString("workspace.base_dir")),
		WatchWorkingCopy:  configViper.GetBool("watch.working_copy"),
		DatabasePath:      strings.TrimSpace(configViper.GetString("database.path")),
		AuthSigningSecret: strings.TrimSpace(configViper.GetString("auth.signing_secret")),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AllowedOrigins:    splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.ServerPort)
	}
	if c.KiCadCLI == "" {
		return fmt.Errorf("common.kicad_cli is required")
	}
	if len(c.Layers) == 0 {
		return fmt.Errorf("common.layers must name at least one layer")
	}
	switch c.HistoryBackend {
	case HistoryBackendGoGit, HistoryBackendCLI:
	default:
		return fmt.Errorf("history.backend must be %q or %q, got %q", HistoryBackendGoGit, HistoryBackendCLI, c.HistoryBackend)
	}
	if c.ReadTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}
	if c.AuthEnabled() && c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

// splitList accepts comma or whitespace separated values.
func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
