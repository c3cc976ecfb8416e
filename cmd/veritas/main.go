// Veritas: cost-controlled reasoning and safe action execution for model predictions.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "veritas",
	Short: "Veritas explains predictions within budget and executes the actions they propose safely.",
	Long: `Veritas turns model predictions into validated explanations and executes the
actions those explanations propose under approval gates, rate limits and an
audited state machine. LLM spend is capped per tenant and per day, repeated
questions are answered from a two-tier cache, and every provider call is
protected by a circuit breaker.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, reasonCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
