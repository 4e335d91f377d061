package config

import (
	"flag"
	"os"

	"scankeeper/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-d string     path of the local database file
//	-t duration   session time-to-live (e.g. "30m", "2h")
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "path of the local database file")
	ttl := fs.Duration("t", cfg.SessionTTL, "session time-to-live")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SessionTTL = *ttl
}
