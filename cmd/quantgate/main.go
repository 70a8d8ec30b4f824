package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "quantgate"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Risk-gated algorithmic trading engine",
		Version: version,
		Long: `QuantGate evaluates strategy signals through an institutional risk
pipeline (quality scoring, statistical circuit breaker, exposure ledger)
and, in live mode, a 4-layer kill switch gating every order.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the decision loop",
		Long:  "Run the paper or live decision loop with the configured strategies.",
		RunE:  runEngine,
	}
	runCmd.Flags().String("config", "", "Path to YAML config (defaults apply when omitted)")
	runCmd.Flags().String("mode", "", "Override mode: paper|live")
	runCmd.Flags().Bool("synthetic", false, "Drive the loop with synthetic bars (paper only)")

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file and exit",
		RunE:  runCheckConfig,
	}
	checkCmd.Flags().String("config", "", "Path to YAML config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
