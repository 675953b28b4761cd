// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shotpaste/internal/config"
	"github.com/xkilldash9x/shotpaste/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// NewRootCommand builds a fresh command tree. The interactive shell builds
// one per line so flags never leak between commands.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "shotpaste",
		Short:         "Capture the active tab and paste it into the embedded chat frame.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "shotpaste"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			applyFlagOverrides(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid flag overrides: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting shotpaste", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ~/.shotpaste/config.yaml or ./config.yaml)")
	root.PersistentFlags().String("remote-url", "", "DevTools endpoint of a running browser (ws://host:9222)")
	root.PersistentFlags().Bool("headless", false, "launch the local browser headless")
	root.PersistentFlags().String("host-prefix", "", "URL prefix of the frames to automate")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newCaptureCmd())
	root.AddCommand(newOverlayCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the command tree with ctx, logging a failure before
// returning it.
func Execute(ctx context.Context) error {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		}
		return err
	}
	return nil
}

// initializeConfig reads the config file and SHOTPASTE_ environment variables.
// Environment values take precedence over the file.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(config.DefaultConfigDir())
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SHOTPASTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// applyFlagOverrides copies explicitly set persistent flags onto cfg.
func applyFlagOverrides(cmd *cobra.Command, cfg config.Interface) {
	flags := cmd.Flags()
	if flags.Changed("remote-url") {
		u, _ := flags.GetString("remote-url")
		cfg.SetBrowserRemoteURL(u)
	}
	if flags.Changed("headless") {
		h, _ := flags.GetBool("headless")
		cfg.SetBrowserHeadless(h)
	}
	if flags.Changed("host-prefix") {
		p, _ := flags.GetString("host-prefix")
		cfg.SetFlowHostPrefix(p)
	}
}

// getConfig returns the configuration loaded by the root command.
func getConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
