package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Inheritance markers reported by the info command.
const (
	Inherited       = "inherited"
	ProfileSpecific = "profile-specific"
)

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Audio    AudioConfig    `mapstructure:"audio" yaml:"audio"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// InheritanceInfo maps dotted field names (e.g. "audio.backend") to
// Inherited or ProfileSpecific.
type InheritanceInfo struct {
	Fields map[string]string
}

// Source returns the inheritance marker for a dotted field name.
func (i *InheritanceInfo) Source(field string) string {
	if i == nil {
		return ""
	}
	return i.Fields[field]
}

type AudioConfig struct {
	Backend          string `mapstructure:"backend" yaml:"backend"`         // "portaudio", "pipewire", "synthetic", "auto"
	Source           string `mapstructure:"source" yaml:"source,omitempty"` // pipewire target node, empty = default source
	SampleRate       int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels         int    `mapstructure:"channels" yaml:"channels"`
	FramesPerBuffer  int    `mapstructure:"frames_per_buffer" yaml:"frames_per_buffer"`
	EchoCancellation *bool  `mapstructure:"echo_cancellation" yaml:"echo_cancellation,omitempty"`
	NoiseSuppression *bool  `mapstructure:"noise_suppression" yaml:"noise_suppression,omitempty"`
	AutoGainControl  *bool  `mapstructure:"auto_gain_control" yaml:"auto_gain_control,omitempty"`
}

type CaptureConfig struct {
	TimeLimitSeconds int           `mapstructure:"time_limit_seconds" yaml:"time_limit_seconds"` // 0 = no limit
	TickInterval     time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	SampleInterval   time.Duration `mapstructure:"sample_interval" yaml:"sample_interval"`
	ChunkInterval    time.Duration `mapstructure:"chunk_interval" yaml:"chunk_interval"`
	FlushTimeout     time.Duration `mapstructure:"flush_timeout" yaml:"flush_timeout"`
}

type StorageConfig struct {
	Backend         string `mapstructure:"backend" yaml:"backend"` // "s3", "local"
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	PublicBaseURL   string `mapstructure:"public_base_url" yaml:"public_base_url"`
	Directory       string `mapstructure:"directory" yaml:"directory"`
	TranscodeFormat string `mapstructure:"transcode_format" yaml:"transcode_format"`

	// Static S3 credentials; when empty the default AWS chain is used.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"-"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	Name     string `mapstructure:"name" yaml:"name"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
	MaxConns int    `mapstructure:"max_conns" yaml:"max_conns"`
}

// DSN builds the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type EventsConfig struct {
	Broker   string `mapstructure:"broker" yaml:"broker"` // empty disables publishing
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"-"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
	Mode string `mapstructure:"mode" yaml:"mode"` // "debug", "release"
}

func boolPtr(b bool) *bool { return &b }

var defaultConfig = Config{
	Audio: AudioConfig{
		Backend:          "auto",
		SampleRate:       48000,
		Channels:         1,
		FramesPerBuffer:  1024,
		EchoCancellation: boolPtr(true),
		NoiseSuppression: boolPtr(true),
		AutoGainControl:  boolPtr(true),
	},
	Capture: CaptureConfig{
		TimeLimitSeconds: 90,
		TickInterval:     time.Second,
		SampleInterval:   50 * time.Millisecond,
		ChunkInterval:    time.Second,
		FlushTimeout:     3 * time.Second,
	},
	Storage: StorageConfig{
		Backend:   "local",
		Prefix:    "recordings",
		Directory: filepath.Join(os.Getenv("HOME"), "Audio", "SpeakCapture"),
	},
	Database: DatabaseConfig{
		Host:     "localhost",
		Port:     "5432",
		User:     "postgres",
		Name:     "speakcapture",
		SSLMode:  "disable",
		MaxConns: 10,
	},
	Events: EventsConfig{
		ClientID: "speakcapture",
		Topic:    "speakcapture/recordings",
	},
	Server: ServerConfig{
		Port: "8080",
		Mode: "release",
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	c := defaultConfig
	c.Audio.EchoCancellation = boolPtr(*defaultConfig.Audio.EchoCancellation)
	c.Audio.NoiseSuppression = boolPtr(*defaultConfig.Audio.NoiseSuppression)
	c.Audio.AutoGainControl = boolPtr(*defaultConfig.Audio.AutoGainControl)
	return &c
}

// LoadEnv loads secrets from a .env file next to the working directory, if any.
// Variables already present in the environment win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("error loading env file: %w", err)
	}
	return nil
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	if err := LoadEnv(); err != nil {
		return nil, err
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Built-in defaults, then the file's "default" profile, then the selected profile
	base := Default()
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			base = mergeConfigs(base, defaultProfile)
		}
	}
	selectedConfig := mergeConfigs(base, selectedProfile)

	applyEnvOverrides(selectedConfig)

	selectedConfig.Storage.Directory = expandPath(selectedConfig.Storage.Directory)

	if err := Validate(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// LoadDefaults returns the built-in configuration with env overrides, for
// running without a config file.
func LoadDefaults() (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, err
	}
	c := Default()
	applyEnvOverrides(c)
	c.Storage.Directory = expandPath(c.Storage.Directory)
	if err := Validate(c); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return c, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ListProfiles returns the profile names declared in the config file.
func ListProfiles(configFile string) ([]string, string, error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(rootConfig.Configs))
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	return names, rootConfig.ActiveConfig, nil
}

// envBindings maps config keys to the environment variables that override
// them, checked in order.
var envBindings = map[string][]string{
	"database.host":             {"SPEAKCAPTURE_DATABASE_HOST"},
	"database.user":             {"SPEAKCAPTURE_DATABASE_USER"},
	"database.password":         {"SPEAKCAPTURE_DATABASE_PASSWORD", "DATABASE_PASSWORD"},
	"storage.bucket":            {"SPEAKCAPTURE_STORAGE_BUCKET"},
	"storage.endpoint":          {"SPEAKCAPTURE_STORAGE_ENDPOINT"},
	"storage.region":            {"SPEAKCAPTURE_STORAGE_REGION", "AWS_REGION"},
	"storage.access_key_id":     {"SPEAKCAPTURE_S3_ACCESS_KEY_ID"},
	"storage.secret_access_key": {"SPEAKCAPTURE_S3_SECRET_ACCESS_KEY"},
	"events.broker":             {"SPEAKCAPTURE_MQTT_BROKER"},
	"events.password":           {"SPEAKCAPTURE_MQTT_PASSWORD", "MQTT_PASSWORD"},
	"server.port":               {"SPEAKCAPTURE_PORT"},
}

// applyEnvOverrides lets deployment secrets stay out of the YAML file.
func applyEnvOverrides(c *Config) {
	v := viper.New()
	for key, envs := range envBindings {
		// BindEnv only fails without a key.
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}

	targets := map[string]*string{
		"database.host":             &c.Database.Host,
		"database.user":             &c.Database.User,
		"database.password":         &c.Database.Password,
		"storage.bucket":            &c.Storage.Bucket,
		"storage.endpoint":          &c.Storage.Endpoint,
		"storage.region":            &c.Storage.Region,
		"storage.access_key_id":     &c.Storage.AccessKeyID,
		"storage.secret_access_key": &c.Storage.SecretAccessKey,
		"events.broker":             &c.Events.Broker,
		"events.password":           &c.Events.Password,
		"server.port":               &c.Server.Port,
	}
	for key, dst := range targets {
		if val := v.GetString(key); val != "" {
			*dst = val
		}
	}
}

// mergeConfigs overlays every non-zero profile value on top of base and
// records which fields came from the profile.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	if base != nil {
		*result = *base
	}
	result.Inheritance = &InheritanceInfo{Fields: make(map[string]string)}
	if base != nil && base.Inheritance != nil {
		for k, v := range base.Inheritance.Fields {
			result.Inheritance.Fields[k] = v
		}
	}

	if profile == nil {
		return result
	}

	m := merger{inh: result.Inheritance}

	m.str("audio.backend", &result.Audio.Backend, profile.Audio.Backend)
	m.str("audio.source", &result.Audio.Source, profile.Audio.Source)
	m.int("audio.sample_rate", &result.Audio.SampleRate, profile.Audio.SampleRate)
	m.int("audio.channels", &result.Audio.Channels, profile.Audio.Channels)
	m.int("audio.frames_per_buffer", &result.Audio.FramesPerBuffer, profile.Audio.FramesPerBuffer)
	m.boolp("audio.echo_cancellation", &result.Audio.EchoCancellation, profile.Audio.EchoCancellation)
	m.boolp("audio.noise_suppression", &result.Audio.NoiseSuppression, profile.Audio.NoiseSuppression)
	m.boolp("audio.auto_gain_control", &result.Audio.AutoGainControl, profile.Audio.AutoGainControl)

	m.int("capture.time_limit_seconds", &result.Capture.TimeLimitSeconds, profile.Capture.TimeLimitSeconds)
	m.dur("capture.tick_interval", &result.Capture.TickInterval, profile.Capture.TickInterval)
	m.dur("capture.sample_interval", &result.Capture.SampleInterval, profile.Capture.SampleInterval)
	m.dur("capture.chunk_interval", &result.Capture.ChunkInterval, profile.Capture.ChunkInterval)
	m.dur("capture.flush_timeout", &result.Capture.FlushTimeout, profile.Capture.FlushTimeout)

	m.str("storage.backend", &result.Storage.Backend, profile.Storage.Backend)
	m.str("storage.bucket", &result.Storage.Bucket, profile.Storage.Bucket)
	m.str("storage.region", &result.Storage.Region, profile.Storage.Region)
	m.str("storage.endpoint", &result.Storage.Endpoint, profile.Storage.Endpoint)
	m.str("storage.prefix", &result.Storage.Prefix, profile.Storage.Prefix)
	m.str("storage.public_base_url", &result.Storage.PublicBaseURL, profile.Storage.PublicBaseURL)
	m.str("storage.directory", &result.Storage.Directory, profile.Storage.Directory)
	m.str("storage.transcode_format", &result.Storage.TranscodeFormat, profile.Storage.TranscodeFormat)
	m.str("storage.access_key_id", &result.Storage.AccessKeyID, profile.Storage.AccessKeyID)
	m.str("storage.secret_access_key", &result.Storage.SecretAccessKey, profile.Storage.SecretAccessKey)
	if profile.Storage.UsePathStyle {
		result.Storage.UsePathStyle = true
		result.Inheritance.Fields["storage.use_path_style"] = ProfileSpecific
	}

	m.str("database.host", &result.Database.Host, profile.Database.Host)
	m.str("database.port", &result.Database.Port, profile.Database.Port)
	m.str("database.user", &result.Database.User, profile.Database.User)
	m.str("database.password", &result.Database.Password, profile.Database.Password)
	m.str("database.name", &result.Database.Name, profile.Database.Name)
	m.str("database.sslmode", &result.Database.SSLMode, profile.Database.SSLMode)
	m.int("database.max_conns", &result.Database.MaxConns, profile.Database.MaxConns)

	m.str("events.broker", &result.Events.Broker, profile.Events.Broker)
	m.str("events.client_id", &result.Events.ClientID, profile.Events.ClientID)
	m.str("events.topic", &result.Events.Topic, profile.Events.Topic)
	m.str("events.username", &result.Events.Username, profile.Events.Username)
	m.str("events.password", &result.Events.Password, profile.Events.Password)

	m.str("server.port", &result.Server.Port, profile.Server.Port)
	m.str("server.mode", &result.Server.Mode, profile.Server.Mode)

	return result
}

type merger struct {
	inh *InheritanceInfo
}

func (m merger) mark(key string, overridden bool) {
	if overridden {
		m.inh.Fields[key] = ProfileSpecific
	} else if _, ok := m.inh.Fields[key]; !ok {
		m.inh.Fields[key] = Inherited
	}
}

func (m merger) str(key string, dst *string, v string) {
	if v != "" {
		*dst = v
	}
	m.mark(key, v != "")
}

func (m merger) int(key string, dst *int, v int) {
	if v != 0 {
		*dst = v
	}
	m.mark(key, v != 0)
}

func (m merger) dur(key string, dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
	m.mark(key, v != 0)
}

func (m merger) boolp(key string, dst **bool, v *bool) {
	if v != nil {
		b := *v
		*dst = &b
	}
	m.mark(key, v != nil)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Enabled reports a tri-state flag, treating nil as enabled.
func Enabled(b *bool) bool {
	return b == nil || *b
}

// Validate checks a resolved configuration.
func Validate(c *Config) error {
	switch strings.ToLower(c.Audio.Backend) {
	case "portaudio", "pipewire", "synthetic", "auto":
	default:
		return fmt.Errorf("audio.backend must be 'portaudio', 'pipewire', 'synthetic' or 'auto', got: %s", c.Audio.Backend)
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0, got: %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got: %d", c.Audio.Channels)
	}
	if c.Audio.FramesPerBuffer <= 0 {
		return fmt.Errorf("audio.frames_per_buffer must be > 0, got: %d", c.Audio.FramesPerBuffer)
	}

	if c.Capture.TimeLimitSeconds < 0 {
		return fmt.Errorf("capture.time_limit_seconds must be >= 0, got: %d", c.Capture.TimeLimitSeconds)
	}
	for name, d := range map[string]time.Duration{
		"capture.tick_interval":   c.Capture.TickInterval,
		"capture.sample_interval": c.Capture.SampleInterval,
		"capture.chunk_interval":  c.Capture.ChunkInterval,
		"capture.flush_timeout":   c.Capture.FlushTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got: %s", name, d)
		}
	}

	switch c.Storage.Backend {
	case "s3":
		if c.Storage.Bucket == "" || c.Storage.Region == "" {
			return fmt.Errorf("storage: s3 backend requires bucket and region")
		}
		if c.Storage.Endpoint != "" {
			if _, err := url.ParseRequestURI(c.Storage.Endpoint); err != nil {
				return fmt.Errorf("storage.endpoint is not a valid URL: %w", err)
			}
		}
	case "local":
		if c.Storage.Directory == "" {
			return fmt.Errorf("storage: local backend requires directory")
		}
	default:
		return fmt.Errorf("storage.backend must be 's3' or 'local', got: %s", c.Storage.Backend)
	}
	if f := c.Storage.TranscodeFormat; f != "" && !isAlnum(f) {
		return fmt.Errorf("storage.transcode_format must be a bare extension, got: %s", f)
	}

	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0, got: %d", c.Database.MaxConns)
	}

	if c.Events.Broker != "" && c.Events.Topic == "" {
		return fmt.Errorf("events.topic is required when events.broker is set")
	}

	return nil
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return s != ""
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required and cannot be empty")
	}
	for name, profile := range rootConfig.Configs {
		if profile == nil {
			return nil, fmt.Errorf("config '%s' is empty", name)
		}
	}
	if rootConfig.ActiveConfig != "" {
		if _, ok := rootConfig.Configs[rootConfig.ActiveConfig]; !ok {
			return nil, fmt.Errorf("active_config '%s' does not match any profile", rootConfig.ActiveConfig)
		}
	}

	return &rootConfig, nil
}
