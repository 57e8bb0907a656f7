// Package cmd implements the CLI commands for segmenter.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"segmenter/internal/platform/config"
	"segmenter/internal/platform/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "segmenter",
	Short: "Zero-loss segmented recorder",
	Long: `segmenter records a continuous audio/video stream into independently
playable MPEG-TS segments. Each cut overlaps the outgoing and incoming
segment so no access unit is lost, and a continuity ledger proves it.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./segmenter.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(verifyCmd)
}

// loadConfig reads .env, the config file and SEGMENTER_ variables, then
// applies flags that were set explicitly. keys maps flag names to config
// keys.
func loadConfig(cmd *cobra.Command, keys map[string]string) (*config.Config, error) {
	if err := config.LoadEnv(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := config.New(cfgFile)
	keys["log-level"] = "logging.level"
	keys["log-format"] = "logging.format"

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := keys[f.Name]
		if !ok || !f.Changed {
			return
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("binding flag %s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}
	return config.Load(v)
}

func newLogger(cfg *config.Config) *slog.Logger {
	log := logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)
	return log
}
