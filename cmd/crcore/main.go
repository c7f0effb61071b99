// Command crcore is the thin CLI dispatcher around the checkpoint/restore
// core: a github.com/google/subcommands tree wiring "dump" and "restore"
// onto the package-level orchestration in this directory, in the manner of
// runsc/cli/main.go and runsc/cmd/checkpoint.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/restorepoint/crcore/internal/config"
	"github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&dumpCmd{}, "")
	subcommands.Register(&restoreCmd{}, "")

	configPath := flag.String("config", "crcore.toml", "path to crcore's TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crcore: %v\n", err)
		os.Exit(1)
	}

	if lvl, lvlErr := logrus.ParseLevel(cfg.LogLevel); lvlErr == nil {
		logrus.SetLevel(lvl)
	}
	if cfg.LogFile != "" {
		f, openErr := os.OpenFile(cfg.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if openErr != nil {
			fmt.Fprintf(os.Stderr, "crcore: opening log file: %v\n", openErr)
			os.Exit(1)
		}
		logrus.SetOutput(f)
	}

	os.Exit(int(subcommands.Execute(context.Background(), cfg)))
}
