// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/internal/config"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/observability"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "archibald",
	Short: "Archibald drives order entry in a browser-only ERP.",
	Long: `Archibald automates a browser-only ERP application through a headless
browser. Orders are queued per submission and executed strictly in order;
a background catalog sync keeps article data fresh without ever delaying
a write.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. Merge defaults, config file and environment into Viper.
		if err := initializeConfig(); err != nil {
			basicLogger, _ := zap.NewDevelopment()
			basicLogger.Error("Failed to initialize configuration", zap.Error(err))
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		// 2. Unmarshal and validate into the config singleton.
		if err := config.Load(viper.GetViper()); err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "archibald"})
			return err
		}
		cfg := config.Get()

		// 3. Initialize the logger from the validated configuration.
		observability.InitializeLogger(cfg.Logger)
		logger := observability.GetLogger()
		logger.Info("Starting archibald", zap.String("version", Version))

		return nil
	},
}

// Execute adds all child commands to the root command and runs it. It accepts
// a context passed from main so Ctrl-C propagates into running jobs.
func Execute(ctx context.Context) error {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newReportCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			// A canceled context is the expected shape of a graceful shutdown,
			// not a failure worth an error log.
			if ctx.Err() == nil {
				logger.Error("Command execution failed", zap.Error(err))
			}
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
}

// initializeConfig reads in the config file and ENV variables if set.
func initializeConfig() error {
	// Set default values so the app can run with a minimal config.
	config.SetDefaults(viper.GetViper())

	// 1. Set up config file search paths.
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// 2. Environment variable configuration.
	viper.SetEnvPrefix("ARCHIBALD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Explicitly bind the keys operators most often inject via environment
	// rather than the config file.
	_ = viper.BindEnv("postgres.url", "ARCHIBALD_POSTGRES_URL")
	_ = viper.BindEnv("target.base_url", "ARCHIBALD_TARGET_BASE_URL")

	// 3. Read the configuration file.
	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus environment carry the
		// run. Parse errors are not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
