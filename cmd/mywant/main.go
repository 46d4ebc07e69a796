package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/onelittlenightmusic/MyWant-sub007/cmd/mywant/commands"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mywant",
	Short: "MyWant CLI - declarative want lifecycle engine",
	Long: `MyWant tracks "what you want" as wants: declarative entities that
agents drive towards achievement, with ownership, schedules and
human approval built into their lifecycle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WantsCmd)
	rootCmd.AddCommand(commands.ReactionsCmd)
	rootCmd.AddCommand(commands.TypesCmd)
	rootCmd.AddCommand(commands.MCPCmd)
	rootCmd.AddCommand(commands.AgentServiceCmd)
	rootCmd.AddCommand(commands.ConfigCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		if err := commands.InitConfig(cfgFile); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mywant/config.yaml)")
	commands.BindServerFlag(rootCmd)
}
