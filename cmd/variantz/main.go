// Command variantz evaluates feature flags and experiments.
//
//	variantz serve              serve the evaluation API over HTTP and gRPC
//	variantz eval               evaluate a flag file offline
//	variantz migrate            apply storage migrations
//	variantz hash-token         print an API_KEY_HASH for a bearer token
//
// Every command first loads .env.local or .env from the working directory
// when present; variables already set in the environment win.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("variantz failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "variantz",
		Short:         "Feature flag and experiment evaluation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadDotEnv(".env.local", ".env")
		},
	}

	root.AddCommand(
		newServeCommand(),
		newEvalCommand(),
		newMigrateCommand(),
		newHashTokenCommand(),
	)
	return root
}

// loadDotEnv loads the first of files that exists.
func loadDotEnv(files ...string) error {
	for _, name := range files {
		err := godotenv.Load(name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}
