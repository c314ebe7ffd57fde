package main

import (
	"fmt"
	"os"

	"progression-engine/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "progression",
	Short: "Business progression engine",
	Long: `Turns completed business tasks into points, levels and achievements,
and keeps every business supplied with milestones by asking the roadmap
generator for a new batch whenever none remain active.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(config.Init)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("database-driver", "", "postgres or sqlite (env PROGRESSION_DATABASE_DRIVER)")
	rootCmd.PersistentFlags().String("database-url", "", "database DSN (env PROGRESSION_DATABASE_URL)")
	_ = viper.BindPFlag("database-driver", rootCmd.PersistentFlags().Lookup("database-driver"))
	_ = viper.BindPFlag("database-url", rootCmd.PersistentFlags().Lookup("database-url"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(leaderboardCmd())
}
