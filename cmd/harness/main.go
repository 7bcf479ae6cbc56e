package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/compose-network/scenario-harness/configs"
	"github.com/compose-network/scenario-harness/internal/chain"
	"github.com/compose-network/scenario-harness/internal/logger"
	"github.com/compose-network/scenario-harness/internal/scenario"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const appName = "harness"

var configFile string

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "Run wallet scenarios against isolated, seeded environments",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.InitializeWith(os.Stderr, slog.LevelInfo, "text")

		v := viper.GetViper()
		if err := configs.LoadDefaults(v); err != nil {
			return err
		}

		if configFile != "" {
			v.SetConfigFile(configFile)
		} else {
			v.SetConfigName("config")
			if execPath, err := os.Executable(); err == nil {
				v.AddConfigPath(filepath.Dir(execPath))
			}
			v.AddConfigPath(".")
			v.AddConfigPath("./configs")
		}

		// The embedded defaults are complete; a user config file only overrides them
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				const errMsg = "error reading config file"
				slog.With("err", err.Error()).Error(errMsg)
				return errors.Join(err, errors.New(errMsg))
			}
			slog.Debug("no config file found, will rely on flags and defaults")
		} else {
			slog.With("config_file", v.ConfigFileUsed()).Debug("config file loaded")
		}

		if err := v.Unmarshal(&configs.Values); err != nil {
			const errMsg = "unable to decode application config"
			slog.With("err", err.Error()).Error(errMsg)
			return errors.Join(err, errors.New(errMsg))
		}

		level, err := logger.ParseLevel(configs.Values.Log.Level)
		if err != nil {
			return err
		}
		logger.InitializeWith(os.Stderr, level, configs.Values.Log.Format)

		slog.With("config", configs.Values).Debug("configuration loaded")

		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file overriding the embedded defaults")

	rootCmd.AddCommand(scenario.CMD)
	rootCmd.AddCommand(chain.CMD)

	if err := rootCmd.Execute(); err != nil {
		slog.With("err", err.Error()).Error("failed to execute root command")
		os.Exit(1)
	}
}
