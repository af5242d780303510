package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matt-riley/variantz/internal/core"
	"github.com/matt-riley/variantz/internal/filesource"
)

func newEvalCommand() *cobra.Command {
	var (
		flagsFile   string
		contextJSON string
		keys        []string
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a flag file against a context and print the variants as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags, err := filesource.Load(flagsFile)
			if err != nil {
				return err
			}

			evalContext := map[string]any{}
			if strings.TrimSpace(contextJSON) != "" {
				if err := json.Unmarshal([]byte(contextJSON), &evalContext); err != nil {
					return fmt.Errorf("parse --context: %w", err)
				}
			}

			variants, err := core.EvaluateKeys(core.ValueOf(evalContext), flags, keys)
			if err != nil {
				return fmt.Errorf("evaluate %s: %w", flagsFile, err)
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(variants)
		},
	}

	cmd.Flags().StringVar(&flagsFile, "flags", "", "path to a JSON flag file")
	cmd.Flags().StringVar(&contextJSON, "context", "", `evaluation context as JSON, e.g. {"user":{"user_id":"u-1"}}`)
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "flag keys to evaluate (default all)")
	_ = cmd.MarkFlagRequired("flags")
	return cmd
}
