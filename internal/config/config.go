package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lanternops/placewatch/internal/logging"
)

var log = logging.L("config")

const envPrefix = "PLACEWATCH"

type Config struct {
	Discord DiscordConfig `mapstructure:"discord" yaml:"discord"`

	GroupID               int64         `mapstructure:"group_id" yaml:"group_id"`
	MinRank               int           `mapstructure:"min_rank" yaml:"min_rank"`
	TargetPlaceID         string        `mapstructure:"target_place_id" yaml:"target_place_id"`
	PollInterval          time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	RosterRefreshInterval time.Duration `mapstructure:"roster_refresh_interval" yaml:"roster_refresh_interval"`
	AlertsEnabled         bool          `mapstructure:"alerts_enabled" yaml:"alerts_enabled"`
	Timezone              string        `mapstructure:"timezone" yaml:"timezone"`

	Panel  PanelConfig  `mapstructure:"panel" yaml:"panel"`
	Roster RosterConfig `mapstructure:"roster" yaml:"roster"`
	Roblox RobloxConfig `mapstructure:"roblox" yaml:"roblox"`
	HTTP   HTTPConfig   `mapstructure:"http" yaml:"http"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	State  StateConfig  `mapstructure:"state" yaml:"state"`
	Audit  AuditConfig  `mapstructure:"audit" yaml:"audit"`
}

type DiscordConfig struct {
	Token string `mapstructure:"token" yaml:"token"`
}

type PanelConfig struct {
	Title    string `mapstructure:"title" yaml:"title"`
	MaxNames int    `mapstructure:"max_names" yaml:"max_names"`
}

type RosterConfig struct {
	PageSize        int           `mapstructure:"page_size" yaml:"page_size"`
	EmptyRetryDelay time.Duration `mapstructure:"empty_retry_delay" yaml:"empty_retry_delay"`
}

type RobloxConfig struct {
	GroupsURL         string        `mapstructure:"groups_url" yaml:"groups_url"`
	PresenceURL       string        `mapstructure:"presence_url" yaml:"presence_url"`
	UsersURL          string        `mapstructure:"users_url" yaml:"users_url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

type HTTPConfig struct {
	// Listen is the keepalive server address. Empty disables the server.
	Listen  string        `mapstructure:"listen" yaml:"listen"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LogConfig struct {
	Format     string `mapstructure:"format" yaml:"format"`
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// AuditConfig controls the operator audit trail. An empty File disables it.
type AuditConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

type StateConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend"`
	Path    string      `mapstructure:"path" yaml:"path"`
	Key     string      `mapstructure:"key" yaml:"key"`
	S3      S3Config    `mapstructure:"s3" yaml:"s3"`
	GCS     GCSConfig   `mapstructure:"gcs" yaml:"gcs"`
	Azure   AzureConfig `mapstructure:"azure" yaml:"azure"`
	B2      B2Config    `mapstructure:"b2" yaml:"b2"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

type AzureConfig struct {
	ConnectionString string `mapstructure:"connection_string" yaml:"connection_string"`
	Container        string `mapstructure:"container" yaml:"container"`
}

type B2Config struct {
	AccountID      string `mapstructure:"account_id" yaml:"account_id"`
	ApplicationKey string `mapstructure:"application_key" yaml:"application_key"`
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
}

func Default() *Config {
	return &Config{
		GroupID:               872876,
		MinRank:               143,
		TargetPlaceID:         "583507031",
		PollInterval:          10 * time.Second,
		RosterRefreshInterval: 15 * time.Minute,
		AlertsEnabled:         true,
		Timezone:              "UTC",
		Panel: PanelConfig{
			Title:    "Imperialist Robloxian Federation — Live Panel",
			MaxNames: 25,
		},
		Roster: RosterConfig{
			PageSize:        100,
			EmptyRetryDelay: 30 * time.Second,
		},
		Roblox: RobloxConfig{
			GroupsURL:         "https://groups.roblox.com",
			PresenceURL:       "https://presence.roblox.com",
			UsersURL:          "https://users.roblox.com",
			RequestsPerSecond: 5,
			Burst:             5,
			MaxAttempts:       5,
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
		},
		HTTP: HTTPConfig{
			Listen:  ":8080",
			Timeout: 15 * time.Second,
		},
		Log: LogConfig{
			Format:     "text",
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		State: StateConfig{
			Backend: "file",
			Path:    "storage.json",
			Key:     "placewatch/storage.json",
		},
		Audit: AuditConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Loader reads configuration from file and environment. Keys map to
// environment variables as PLACEWATCH_<KEY> with dots replaced by
// underscores; DISCORD_TOKEN is honoured as well.
type Loader struct {
	v    *viper.Viper
	file string

	mu      sync.Mutex
	current *Config
}

func NewLoader(cfgFile string) *Loader {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("placewatch")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/placewatch")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("discord.token", envPrefix+"_DISCORD_TOKEN", "DISCORD_TOKEN")

	setDefaults(v, Default())
	return &Loader{v: v, file: cfgFile}
}

// Load reads the config file if present, overlays the environment and
// returns the result. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := Default()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Hosting platforms hand out the listen port as PORT.
	if port := os.Getenv("PORT"); port != "" &&
		os.Getenv(envPrefix+"_HTTP_LISTEN") == "" && !l.v.InConfig("http.listen") {
		cfg.HTTP.Listen = ":" + port
	}
	return cfg, nil
}

// ConfigFileUsed returns the file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the config file whenever it changes and passes the
// validated result to onChange. Changes that fail validation are ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		log.Debug("no config file in use, not watching for changes")
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.unmarshal()
		if err != nil {
			log.Warn("config reload failed", "file", e.Name, logging.KeyError, err)
			return
		}
		if res := cfg.ValidateTiered(); res.HasFatals() {
			log.Warn("config reload rejected", "file", e.Name, logging.KeyError, errors.Join(res.Fatals...))
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		log.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Current returns the last successfully loaded config.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Load is a shorthand for NewLoader(cfgFile).Load().
func Load(cfgFile string) (*Config, error) {
	return NewLoader(cfgFile).Load()
}

// Redacted returns a copy with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Discord.Token = mask(c.Discord.Token)
	out.State.S3.SecretAccessKey = mask(c.State.S3.SecretAccessKey)
	out.State.S3.SessionToken = mask(c.State.S3.SessionToken)
	out.State.Azure.ConnectionString = mask(c.State.Azure.ConnectionString)
	out.State.B2.ApplicationKey = mask(c.State.B2.ApplicationKey)
	return &out
}

// YAML renders the config with credentials masked.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// setDefaults registers every key so AutomaticEnv can override keys that
// never appear in the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("discord.token", d.Discord.Token)
	v.SetDefault("group_id", d.GroupID)
	v.SetDefault("min_rank", d.MinRank)
	v.SetDefault("target_place_id", d.TargetPlaceID)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("roster_refresh_interval", d.RosterRefreshInterval)
	v.SetDefault("alerts_enabled", d.AlertsEnabled)
	v.SetDefault("timezone", d.Timezone)

	v.SetDefault("panel.title", d.Panel.Title)
	v.SetDefault("panel.max_names", d.Panel.MaxNames)

	v.SetDefault("roster.page_size", d.Roster.PageSize)
	v.SetDefault("roster.empty_retry_delay", d.Roster.EmptyRetryDelay)

	v.SetDefault("roblox.groups_url", d.Roblox.GroupsURL)
	v.SetDefault("roblox.presence_url", d.Roblox.PresenceURL)
	v.SetDefault("roblox.users_url", d.Roblox.UsersURL)
	v.SetDefault("roblox.requests_per_second", d.Roblox.RequestsPerSecond)
	v.SetDefault("roblox.burst", d.Roblox.Burst)
	v.SetDefault("roblox.max_attempts", d.Roblox.MaxAttempts)
	v.SetDefault("roblox.initial_delay", d.Roblox.InitialDelay)
	v.SetDefault("roblox.max_delay", d.Roblox.MaxDelay)

	v.SetDefault("http.listen", d.HTTP.Listen)
	v.SetDefault("http.timeout", d.HTTP.Timeout)

	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetDefault("state.backend", d.State.Backend)
	v.SetDefault("state.path", d.State.Path)
	v.SetDefault("state.key", d.State.Key)
	v.SetDefault("state.s3.bucket", "")
	v.SetDefault("state.s3.region", "")
	v.SetDefault("state.s3.endpoint", "")
	v.SetDefault("state.s3.access_key_id", "")
	v.SetDefault("state.s3.secret_access_key", "")
	v.SetDefault("state.s3.session_token", "")
	v.SetDefault("state.gcs.bucket", "")
	v.SetDefault("state.gcs.credentials_file", "")
	v.SetDefault("state.azure.connection_string", "")
	v.SetDefault("state.azure.container", "")
	v.SetDefault("state.b2.account_id", "")
	v.SetDefault("state.b2.application_key", "")
	v.SetDefault("state.b2.bucket", "")

	v.SetDefault("audit.file", d.Audit.File)
	v.SetDefault("audit.max_size_mb", d.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", d.Audit.MaxBackups)
}
