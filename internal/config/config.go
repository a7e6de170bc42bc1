// Package config loads the demo CLI's configuration. The spice client
// library itself never imports this package — Session.Connect and friends
// take explicit arguments — this is wiring for cmd/spice-client only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/lanternops/spice-go/internal/logging"
)

var log = logging.L("config")

// Config holds everything cmd/spice-client needs to dial a server and run
// the console (the Connect/SetClipboardCallbacks/SetAudioCallbacks
// parameters, flattened into loadable fields).
type Config struct {
	ServerAddress  string `mapstructure:"server_address"`
	ServerPort     int    `mapstructure:"server_port"`
	Password       string `mapstructure:"password"`
	EnablePlayback bool   `mapstructure:"enable_playback"`

	// ClipboardSelectionNotice selects the notice-policy open question
	// "always" or "suppress_selection_qualified".
	ClipboardSelectionNotice string `mapstructure:"clipboard_selection_notice"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func Default() *Config {
	return &Config{
		ServerPort:               5900,
		EnablePlayback:           true,
		ClipboardSelectionNotice: "always",
		LogLevel:                 "info",
		LogFormat:                "text",
	}
}

// Load reads cfgFile (or spice-client.yaml from the standard search path if empty)
// via viper, overlays SPICE_-prefixed environment variables, and validates
// the result. Fatal errors block startup; warnings are logged and the
// (possibly clamped) config is returned anyway.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("spice-client")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SPICE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("server_address", cfg.ServerAddress)
	viper.Set("server_port", cfg.ServerPort)
	viper.Set("password", cfg.Password)
	viper.Set("enable_playback", cfg.EnablePlayback)
	viper.Set("clipboard_selection_notice", cfg.ClipboardSelectionNotice)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "spice-client.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict to owner-only access (contains the session password).
	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "spice-client")
	case "darwin":
		return "/Library/Application Support/spice-client"
	default:
		return "/etc/spice-client"
	}
}
