package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"futures_engine/internal/modules/config"
	"futures_engine/pkg/logger"
)

// Version проставляется через -ldflags "-X main.Version=...".
var Version = "dev"

const serviceName = "futures_engine"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "engine",
		Short:         "Algorithmic OKX futures engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to YAML config (default: $CONFIG_DIR/$CONFIG_FILE)")
	root.PersistentFlags().String("addr", "http://localhost:8080", "admin HTTP address for status and force-eval")
	root.PersistentFlags().String("log-level", "", "override log level")
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(
		newRunCmd(v),
		newStatusCmd(v),
		newForceEvalCmd(v),
		newStrategyCmd(v),
		newVersionCmd(),
	)
	return root
}

// loadConfig .env + yaml + env, уровень логов можно переопределить флагом.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	_ = godotenv.Load()

	var (
		cfg *config.Config
		err error
	)
	if path := v.GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.NewConfig()
	}
	if err != nil {
		return nil, err
	}
	if lvl := v.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) error {
	logger.SetServiceName(serviceName)
	return logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), serviceName, Version)
		},
	}
}
