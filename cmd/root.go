// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

var cfgFile string

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(defaultSessionFactory, NewStoreProvider())
}

func newRootCommand(newSession sessionFactory, provider storeProvider) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pageflow",
		Short:         "Pageflow drives a browser through a declared multi-page workflow.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "pageflow"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "pageflow"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			if panelRequested(cmd, cfg) {
				// The panel owns the terminal; logs go to the log file only.
				observability.Initialize(cfg.Logger(), nil)
			} else {
				observability.InitializeLogger(cfg.Logger())
			}
			observability.GetLogger().Debug("Starting pageflow", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./pageflow.yaml or ~/.pageflow/pageflow.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newRunCmd(newSession, provider))
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newHistoryCmd(provider))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Info("Command canceled.")
			return err
		}
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		return err
	}
	return nil
}

// initializeConfig reads the config file and PAGEFLOW_ environment variables into v.
func initializeConfig(v *viper.Viper) error {
	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return fmt.Errorf("could not resolve config path '%s': %w", cfgFile, err)
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pageflow"))
		}
		v.SetConfigName("pageflow")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PAGEFLOW")
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

func panelRequested(cmd *cobra.Command, cfg config.Interface) bool {
	if f := cmd.Flags().Lookup("panel"); f != nil && f.Changed {
		return f.Value.String() == "true"
	}
	return cfg.Control().Panel
}

func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in command context")
	}
	return cfg, nil
}
