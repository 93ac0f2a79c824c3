package cmd

import (
	"strings"

	"github.com/Iron-Ham/orchard/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "orchard",
	Short: "Dependency-aware plan orchestrator",
	Long: `Orchard executes a multi-phase task plan against a working copy,
dispatching independent tasks in parallel while honoring dependency,
sequential-group and file-conflict constraints, and serializing all
version control commits through a single queue.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/orchard/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".orchard")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/orchard")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ORCHARD")
	// Replace dots with underscores for nested keys in env vars
	// e.g., ORCHARD_ORCHESTRATOR_BATCH_SIZE for orchestrator.batch_size
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
