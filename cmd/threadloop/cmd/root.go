package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/threadloop/internal/config"
	"github.com/psantana5/threadloop/pkg/logging"
)

var (
	cfgFile string

	// configErr is set by initConfig, which cannot return errors itself.
	configErr error

	effective config.Config
	logger    *logging.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "threadloop",
	Short: "Spawn, join and reclaim one OS thread at a time, forever",
	Long: `threadloop repeatedly creates a worker on a dedicated OS thread, blocks until
it finishes, releases it and starts the next one. Exactly one worker is alive
at any time. Stop it with SIGINT or SIGTERM.

Running threadloop without a command starts the loop.`,
	Args:              cobra.NoArgs,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.threadloop/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().String("log-file", "", "also write logs to this file, rotated by size")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	configErr = nil
	v := viper.GetViper()
	config.SetDefaults(v)
	bindFlags(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".threadloop"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	config.BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			configErr = fmt.Errorf("failed to read config: %w", err)
		}
	}
}

// bindFlags maps command line flags onto config keys.
func bindFlags(v *viper.Viper) {
	pf := rootCmd.PersistentFlags()
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.format", pf.Lookup("log-format"))
	_ = v.BindPFlag("log.file", pf.Lookup("log-file"))
	_ = v.BindPFlag("delay", pf.Lookup("delay"))
	_ = v.BindPFlag("iterations", pf.Lookup("iterations"))
	_ = v.BindPFlag("max_threads", pf.Lookup("max-threads"))
	_ = v.BindPFlag("metrics_addr", pf.Lookup("metrics-addr"))
	_ = v.BindPFlag("metrics_rps", pf.Lookup("metrics-rps"))
}

// setupLogging resolves the effective config and builds the logger every command uses.
func setupLogging(cmd *cobra.Command, _ []string) error {
	if configErr != nil {
		return configErr
	}

	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := logging.ParseLevel(cfg.Log.Level)
	jsonFormat := cfg.Log.Format == "json"

	if cfg.Log.File != "" {
		logger, err = logging.NewFileLogger(cfg.Log.File, level, jsonFormat, cfg.Log.MaxSize)
		if err != nil {
			return err
		}
	} else {
		logger = logging.NewLogger(level, jsonFormat)
		logger.SetOutput(cmd.OutOrStdout())
	}

	effective = cfg
	return nil
}
