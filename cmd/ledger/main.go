/*
main.go - Application entry point

PURPOSE:
  The `ledger` binary. Serves the HTTP API, verifies a tenancy offline and
  loads demo scenarios, all over the same SQLite store.

COMMANDS:
  serve      HTTP API plus the periodic reconcile scheduler
  verify     One reconciliation run, report printed as JSON
  scenarios  List demo scenarios, or load one with `scenarios load <id>`
  version    Print version information

CONFIGURATION:
  --config names an optional YAML file. LEDGER_* environment variables
  override the file and flags override both (see config/config.go).

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM `serve`:
  1. Stops the scheduler
  2. Stops accepting new connections
  3. Waits for active requests to complete (30s timeout)
  4. Closes the database

EXAMPLES:
  ledger serve --db ./data/ledger.db --port 3000
  ledger serve --db :memory: --reconcile-interval 10m --tenancy demo
  ledger verify --tenancy acme --mode fail-fast
  ledger scenarios load saas-basics --tenancy demo

SEE ALSO:
  - api/server.go: Router configuration
  - reconcile/verifier.go: Verification
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "ledger",
		Short:         "Billing ledger derived from payment rows",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML config file")
	flags.StringVar(&opts.db, "db", "", "SQLite database path (\":memory:\" for ephemeral)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "json or console")

	root.AddCommand(
		newServeCmd(opts),
		newVerifyCmd(opts),
		newScenariosCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "ledger %s\n", Version)
			},
		},
	)
	return root
}
