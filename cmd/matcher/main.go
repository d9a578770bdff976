// Command matcher runs the dwelling-exchange matching core: the ops HTTP
// surface, the worker pool, the notification sender and the maintenance
// scheduler. Subcommands expose the same operations for one-off use.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("matcher exited with error")
		os.Exit(1)
	}
}
