package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/aweris/wcsnap"
	"github.com/aweris/wcsnap/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "wcsnap",
	Short: "Working-copy snapshot CLI",
	Long:  "Capture uncommitted work in a git working copy and publish it as a content-addressed snapshot.",

	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Setup(os.Stderr, viper.GetString("log_level"), term.IsTerminal(int(os.Stderr.Fd())))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/wcsnap/config.yaml)")
	flags.String("remote", "", "snapshot endpoint(s), comma separated (oci://, file://, mem://)")
	flags.Int("min-writes", 0, "endpoints that must acknowledge each write (0 = all)")
	flags.Int("concurrency", 8, "parallel hashes, probes and uploads")
	flags.Int("retry-attempts", 0, "attempts per transient failure")
	flags.Duration("retry-base-delay", 0, "first retry backoff")
	flags.Duration("retry-max-delay", 0, "backoff cap")
	flags.Int64("bwlimit", 0, "upload bandwidth limit in bytes per second (0 = unlimited)")
	flags.String("untracked", string(wcsnap.UntrackedKeep), "untracked files: keep, add or skip")
	flags.Bool("insecure", false, "allow plain HTTP registries")
	flags.String("log-level", "info", "trace, debug, info, warn, error or off")

	viper.BindPFlag("remote", flags.Lookup("remote"))
	viper.BindPFlag("min_writes", flags.Lookup("min-writes"))
	viper.BindPFlag("concurrency", flags.Lookup("concurrency"))
	viper.BindPFlag("retry.attempts", flags.Lookup("retry-attempts"))
	viper.BindPFlag("retry.base_delay", flags.Lookup("retry-base-delay"))
	viper.BindPFlag("retry.max_delay", flags.Lookup("retry-max-delay"))
	viper.BindPFlag("bwlimit", flags.Lookup("bwlimit"))
	viper.BindPFlag("untracked", flags.Lookup("untracked"))
	viper.BindPFlag("insecure", flags.Lookup("insecure"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WCSNAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaults := wcsnap.DefaultRetryPolicy()
	viper.SetDefault("retry.attempts", defaults.MaxAttempts)
	viper.SetDefault("retry.base_delay", defaults.BaseDelay)
	viper.SetDefault("retry.max_delay", defaults.MaxDelay)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Err(err).Msg("ignoring unreadable config file")
		}
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "wcsnap")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "wcsnap")
	}
	return ".wcsnap"
}

// options turns the merged flags, environment and config file into library
// options.
func options() ([]wcsnap.Option, error) {
	untracked, err := wcsnap.ParseUntrackedPolicy(viper.GetString("untracked"))
	if err != nil {
		return nil, err
	}

	opts := []wcsnap.Option{
		wcsnap.WithConcurrency(viper.GetInt("concurrency")),
		wcsnap.WithMinWrites(viper.GetInt("min_writes")),
		wcsnap.WithBandwidthLimit(viper.GetInt64("bwlimit")),
		wcsnap.WithUntracked(untracked),
		wcsnap.WithInsecure(viper.GetBool("insecure")),
		wcsnap.WithRetry(wcsnap.RetryPolicy{
			MaxAttempts: viper.GetInt("retry.attempts"),
			BaseDelay:   viper.GetDuration("retry.base_delay"),
			MaxDelay:    viper.GetDuration("retry.max_delay"),
		}),
	}
	if user := viper.GetString("registry.username"); user != "" {
		opts = append(opts, wcsnap.WithAuth(wcsnap.StaticAuthenticator{
			Username: user,
			Password: viper.GetString("registry.password"),
		}))
	}
	return opts, nil
}
