package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "selfheal",
		Short: "Self-healing support agent for headless commerce",
		Long: `selfheal observes failure signals from merchants (checkout errors, API
errors, webhook failures, migration problems, support tickets), clusters
them into issues, drafts remediation workflows and executes them behind a
risk-based approval gate.

Every state transition is written to an append-only audit trail.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if viper.GetBool("verbose") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	viper.SetEnvPrefix("SELFHEAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().String("db", "", "database file, overrides store.path")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newSignalsCommand())
	rootCmd.AddCommand(newIssuesCommand())
	rootCmd.AddCommand(newWorkflowsCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newTriggerCommand())
	rootCmd.AddCommand(newPurgeCommand())
	rootCmd.AddCommand(newTickCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// envOverrides maps viper keys (SELFHEAL_<KEY> in the environment) onto
// configuration fields.
func envOverrides(cfg *config.Config) map[string]*string {
	return map[string]*string{
		"db":                &cfg.Store.Path,
		"reasoning.api_key": &cfg.Reasoning.APIKey,
		"reasoning.api_url": &cfg.Reasoning.APIURL,
		"reasoning.model":   &cfg.Reasoning.Model,
		"server.listen":     &cfg.Server.Listen,
		"server.jwt_secret": &cfg.Server.JWTSecret,
		"notify.redis_url":  &cfg.Notify.RedisURL,
		"actions.store_url": &cfg.Actions.StoreURL,
	}
}

// loadConfig reads the configuration file and applies flag and environment
// overrides on top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	for key, field := range envOverrides(cfg) {
		if v := viper.GetString(key); v != "" {
			*field = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
