package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/snort3test/internal/config"
	"github.com/zjrosen/snort3test/internal/log"
)

var (
	version    = "dev"
	cfgFile    string
	cfg        config.Config
	logCleanup func()
)

// errTestsFailed makes the process exit non-zero without printing usage.
var errTestsFailed = errors.New("tests failed")

var rootCmd = &cobra.Command{
	Use:   "snort3test",
	Short: "Discover and run snort3 regression tests and spell checks",
	Long: `Discover the snort3 test tree, run regression tests through the
snorttest.py harness and spell checks through the external checker,
and watch the tree for changes that make earlier results stale.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCleanup != nil {
			logCleanup()
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .snort3test/config.yaml, then ~/.config/snort3test/config.yaml)")
	rootCmd.PersistentFlags().StringP("root", "r", "", "snort3 test tree (default: current directory)")
	rootCmd.PersistentFlags().String("prefix", "", "snort3 installation prefix")
	rootCmd.PersistentFlags().String("dependencies", "", "dependency install root")
	rootCmd.PersistentFlags().IntP("concurrency", "j", 0, "concurrent test slots (0 = one per CPU)")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	_ = viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	_ = viper.BindPFlag("sf_prefix_snort3", rootCmd.PersistentFlags().Lookup("prefix"))
	_ = viper.BindPFlag("dependencies", rootCmd.PersistentFlags().Lookup("dependencies"))
	_ = viper.BindPFlag("concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))
	_ = viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("concurrency", defaults.Concurrency)
	viper.SetDefault("watch.debounce", defaults.Watch.Debounce)
	viper.SetDefault("history.enabled", defaults.History.Enabled)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("log.level", defaults.Log.Level)

	// SNORT3TEST_SF_PREFIX_SNORT3, SNORT3TEST_HISTORY_ENABLED, ...
	viper.SetEnvPrefix("snort3test")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .snort3test/config.yaml (current directory)
		// 2. ~/.config/snort3test/config.yaml (user config)
		if _, err := os.Stat(localConfigPath); err == nil {
			viper.SetConfigFile(localConfigPath)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "snort3test"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "snort3test: reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

const localConfigPath = ".snort3test/config.yaml"

// setup validates the configuration, resolves paths and starts logging.
func setup(_ *cobra.Command, _ []string) error {
	if cfg.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
		cfg.Root = wd
	}
	for _, p := range []*string{&cfg.Root, &cfg.Prefix, &cfg.Dependencies, &cfg.SourcePath, &cfg.ExtraPath, &cfg.History.Path, &cfg.Tracing.FilePath, &cfg.Log.File} {
		*p = expandPath(*p)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Log.File != "" {
		cleanup, err := log.Init(cfg.Log.File)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		logCleanup = cleanup
		log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
		log.Info(log.CatConfig, "snort3test starting", "version", version, "config", viper.ConfigFileUsed(), "root", cfg.Root)
	}
	return nil
}

// expandPath resolves a leading ~ and makes relative paths absolute.
func expandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, errTestsFailed) {
		fmt.Fprintf(os.Stderr, "snort3test: %v\n", err)
	}
	return err
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
