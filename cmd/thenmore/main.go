package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "thenmore",
	Short: "thenmore - timed actions for Home Assistant",
	Long: `thenmore switches or dims a Home Assistant entity and reverts it after a delay,
unless someone else turns it off first. Timers survive restarts.`,
	SilenceUsage: true,
}

var apiAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8081", "API server address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(timersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
