package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration (file + env + flag overrides)
type Config struct {
	Workspace struct {
		Root        string `mapstructure:"root"`
		DeployedDir string `mapstructure:"deployed_dir"`
		BuiltDir    string `mapstructure:"built_dir"`
	} `mapstructure:"workspace"`

	Platform struct {
		BaseURL        string `mapstructure:"base_url"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	} `mapstructure:"platform"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Server struct {
		Serve bool   `mapstructure:"serve"`
		Addr  string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"postgres"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`

	Metrics struct {
		Textfile string `mapstructure:"textfile"`
	} `mapstructure:"metrics"`

	Request Request `mapstructure:"request"`
}

// Request is the deployment asked for on the command line.
type Request struct {
	SiteCode          string `mapstructure:"site_code"`
	CustomerID        string `mapstructure:"customer_id"`
	ExperimentID      string `mapstructure:"experiment_id"`
	PersonalizationID string `mapstructure:"personalization_id"`
	VariationID       string `mapstructure:"variation_id"`
	Global            bool   `mapstructure:"global"`
	Common            bool   `mapstructure:"common"`
	Targeting         bool   `mapstructure:"targeting"`
	ForceOverwrite    bool   `mapstructure:"force_overwrite"`
	ForceLive         bool   `mapstructure:"force_live"`
}

// flagKeys maps config keys to the command-line flags that set them.
var flagKeys = map[string]string{
	"request.site_code":          "sitecode",
	"request.customer_id":        "customer-id",
	"request.experiment_id":      "experiment-id",
	"request.personalization_id": "personalization-id",
	"request.variation_id":       "variation-id",
	"request.global":             "global",
	"request.common":             "common",
	"request.targeting":          "targeting",
	"request.force_overwrite":    "force-overwrite",
	"request.force_live":         "force-live",
	"server.serve":               "serve",
	"server.addr":                "addr",
	"workspace.root":             "root",
	"log.level":                  "log-level",
	"log.format":                 "log-format",
	"metrics.textfile":           "metrics-textfile",
}

// keys without a flag still need a default for AutomaticEnv to reach them.
var envOnlyKeys = []string{
	"workspace.deployed_dir",
	"workspace.built_dir",
	"platform.base_url",
	"platform.timeout_seconds",
	"postgres.host",
	"postgres.port",
	"postgres.user",
	"postgres.password",
	"postgres.db_name",
	"postgres.ssl_mode",
	"postgres.max_open_conns",
	"postgres.max_idle_conns",
	"listener.channel",
	"listener.reconnect_seconds",
}

func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("deployer", pflag.ContinueOnError)
	fs.String("config", "", "config file (default ./deployer.yaml or ./configs/deployer.yaml)")
	fs.String("sitecode", "", "site code")
	fs.String("customer-id", "", "client directory selector; reads .credentials from it")
	fs.String("experiment-id", "", "experiment to deploy")
	fs.String("personalization-id", "", "personalization to deploy")
	fs.String("variation-id", "", "single variation to deploy")
	fs.Bool("global", false, "deploy the site's global script")
	fs.Bool("common", false, "deploy the owner's common code")
	fs.Bool("targeting", false, "deploy the owner's targeting condition")
	fs.Bool("force-overwrite", false, "overwrite code that changed on the platform")
	fs.Bool("force-live", false, "push even if the resource is live")
	fs.Bool("serve", false, "run the deployment HTTP service")
	fs.String("addr", "", "serve mode listen address")
	fs.String("root", "", "workspace root holding client directories")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("log-format", "", "console or json")
	fs.String("metrics-textfile", "", "write metrics to this file after a CLI run")
	return fs
}

func Load(args []string) (Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigName("deployer")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("configs")
	if file, _ := fs.GetString("config"); file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		// optional; env and flags can fully configure
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("DEPLOYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnlyKeys {
		v.SetDefault(key, nil)
	}
	for key, name := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	validate(&cfg)
	return cfg, nil
}

func validate(c *Config) {
	if c.Workspace.Root == "" { c.Workspace.Root = "." }
	if c.Workspace.DeployedDir == "" { c.Workspace.DeployedDir = "_deployed" }
	if c.Workspace.BuiltDir == "" { c.Workspace.BuiltDir = "_built" }
	if c.Platform.BaseURL == "" { c.Platform.BaseURL = "https://api.kameleoon.com" }
	if c.Platform.TimeoutSeconds < 0 { c.Platform.TimeoutSeconds = 0 }
	if c.Log.Level == "" { c.Log.Level = "info" }
	if c.Log.Format == "" { c.Log.Format = "console" }
	if c.Server.Addr == "" { c.Server.Addr = ":8080" }
	if c.Postgres.Port == 0 { c.Postgres.Port = 5432 }
	if c.Postgres.SSLMode == "" { c.Postgres.SSLMode = "disable" }
	if c.Postgres.MaxOpenConns == 0 { c.Postgres.MaxOpenConns = 10 }
	if c.Postgres.MaxIdleConns == 0 { c.Postgres.MaxIdleConns = 2 }
	if c.Listener.ReconnectSeconds <= 0 { c.Listener.ReconnectSeconds = 5 }
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

// JournalEnabled reports whether unit results go to postgres.
func (c Config) JournalEnabled() bool { return c.Postgres.Host != "" }

// Timeout is the platform request timeout; zero means none.
func (c Config) Timeout() time.Duration { return time.Duration(c.Platform.TimeoutSeconds) * time.Second }

func (c Config) Backoff() time.Duration { return time.Duration(c.Listener.ReconnectSeconds) * time.Second }
