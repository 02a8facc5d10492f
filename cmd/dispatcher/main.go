// cmd/dispatcher/main.go
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Dispatches automation tasks to year-scoped bridges",
}

func main() {
	var configPath string
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file (default ./configs/config.yaml)")

	rootCmd.AddCommand(ServeCmd(&configPath))
	rootCmd.AddCommand(InspectCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
