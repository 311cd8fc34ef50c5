package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/referra/internal/app"
	"github.com/roach88/referra/internal/store"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	To string
}

type migrateResult struct {
	From             string `json:"from"`
	To               string `json:"to"`
	Records          int    `json:"records"`
	FirstEngagements int    `json:"first_engagements"`
	Addresses        int    `json:"addresses"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate --to <kind>",
		Short: "Copy all referral state into another backend",
		Long: `Copy every record, first-engagement time and address from the configured
backend (database.type) into the backend named by --to, using that backend's
settings from the same configuration.

Example:
  referra migrate --config referra.yml --to sqlite`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.To, "to", "", "destination backend (file|sqlite|postgres|bolt)")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "failed to load configuration", err)
	}
	to, err := store.ParseKind(opts.To)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "invalid destination", err)
	}
	from := cfg.Kind()
	if to == from {
		return out.Fail(ExitCommandError, ErrCodeConfig, fmt.Sprintf("source and destination are both %s", to), nil)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	src, err := app.NewBackend(cfg)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeBackend, "failed to create source backend", err)
	}
	defer src.Close()
	dst, err := app.NewBackendOfKind(cfg, to)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeBackend, "failed to create destination backend", err)
	}
	defer dst.Close()

	out.VerboseLog("loading from %s", from)
	if err := src.Initialize(ctx); err != nil {
		return out.Fail(ExitCommandError, ErrCodeBackend, fmt.Sprintf("failed to initialize %s backend", from), err)
	}
	snap, err := src.LoadAll(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeBackend, fmt.Sprintf("failed to load %s backend", from), err)
	}
	if err := dst.Initialize(ctx); err != nil {
		return out.Fail(ExitCommandError, ErrCodeBackend, fmt.Sprintf("failed to initialize %s backend", to), err)
	}

	res, err := copySnapshot(ctx, snap, dst)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodePersist, fmt.Sprintf("failed to write %s backend", to), err)
	}
	res.From, res.To = string(from), string(to)

	return out.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Migrated %s -> %s: %d records, %d first engagements, %d addresses.\n",
			res.From, res.To, res.Records, res.FirstEngagements, res.Addresses)
	})
}

// copySnapshot writes records before the per-user maps so relational
// backends never create placeholder rows for known users.
func copySnapshot(ctx context.Context, snap *store.Snapshot, dst store.Backend) (migrateResult, error) {
	var res migrateResult
	if err := dst.SaveAll(ctx, snap.Records); err != nil {
		return res, fmt.Errorf("save records: %w", err)
	}
	res.Records = len(snap.Records)
	for id, at := range snap.FirstEngagement {
		if err := dst.SaveFirstEngagement(ctx, id, at); err != nil {
			return res, fmt.Errorf("save first engagement for %s: %w", id, err)
		}
		res.FirstEngagements++
	}
	for id, addr := range snap.Addresses {
		if err := dst.SaveAddress(ctx, id, addr); err != nil {
			return res, fmt.Errorf("save address for %s: %w", id, err)
		}
		res.Addresses++
	}
	return res, nil
}
