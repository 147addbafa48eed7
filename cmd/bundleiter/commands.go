package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newIterateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "iterate",
		Short: "Reads pages in batches and hands them to the configured sinks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.Iterate(cmd.Context())
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints the saved iterator position",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a.Iterator().Snapshot())
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Rewinds the iterator to the first partition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Iterator().Reset(cmd.Context()); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), a.Iterator().Snapshot())
		},
	}
}

func newSeekCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seek PAGE",
		Short: "Moves the iterator so the next page returned is PAGE (0-based)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || page < 0 {
				return fmt.Errorf("page must be a non-negative integer, got %q", args[0])
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Iterator().SeekPage(cmd.Context(), page); err != nil {
				return fmt.Errorf("seek: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), a.Iterator().Snapshot())
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the admin HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return a.Serve(cmd.Context())
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
