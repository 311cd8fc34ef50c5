package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/referra/internal/app"
	"github.com/roach88/referra/internal/ledger"
	"github.com/roach88/referra/internal/logging"
	"github.com/roach88/referra/internal/referral"
)

// ackTimeout bounds how long an admin command waits for its write.
const ackTimeout = 30 * time.Second

// NewAdminCommand creates the admin command group.
func NewAdminCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect and change referral state against the configured backend",
		Long: `Offline administration. Each command loads the configured backend, applies
one change or query, and writes the state back before exiting. Do not run
these against a backend a live "referra serve" is using.`,
	}

	cmd.AddCommand(newAdminStatsCommand(rootOpts))
	cmd.AddCommand(newAdminTopCommand(rootOpts))
	cmd.AddCommand(newAdminResetCommand(rootOpts))
	cmd.AddCommand(newAdminClaimCommand(rootOpts))
	cmd.AddCommand(newAdminToggleCommand(rootOpts))
	cmd.AddCommand(newAdminReferCommand(rootOpts))
	cmd.AddCommand(newAdminSameAddressCommand(rootOpts))

	return cmd
}

// adminSession is an offline ledger opened for one command.
type adminSession struct {
	ctx context.Context
	app *app.App
	out *OutputFormatter
}

// withLedger opens the configured backend offline, runs fn, and closes the
// ledger, which writes the full state back.
func withLedger(cmd *cobra.Command, opts *RootOptions, fn func(s *adminSession) error) (err error) {
	out := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "failed to load configuration", err)
	}
	logger, logCloser, err := logging.New(cfg.Log, cmd.ErrOrStderr(), opts.Verbose)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "failed to configure logging", err)
	}
	defer logCloser.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	out.VerboseLog("opening %s backend", cfg.Kind())
	a, err := app.Open(ctx, cfg, logger, app.Offline())
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeBackend, "failed to open ledger", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		if closeErr := a.Close(closeCtx); closeErr != nil && err == nil {
			err = WrapExitError(ExitFailure, "failed to save changes", closeErr)
		}
	}()

	return fn(&adminSession{ctx: ctx, app: a, out: out})
}

// wait returns the retry message when the write behind ack failed.
func (s *adminSession) wait(ack *ledger.Ack) string {
	ctx, cancel := context.WithTimeout(s.ctx, ackTimeout)
	defer cancel()
	if err := ack.Wait(ctx); err != nil {
		s.out.VerboseLog("write failed: %v", err)
		return ledger.RetryMessage
	}
	return ""
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

type statsView struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Enabled         bool     `json:"enabled"`
	ClaimedPayout   bool     `json:"claimed_payout"`
	ReferredBy      string   `json:"referred_by,omitempty"`
	FirstEngagement string   `json:"first_engagement,omitempty"`
	Address         string   `json:"address,omitempty"`
	Confirmed       []string `json:"confirmed"`
	Pending         []string `json:"pending"`
	Required        int      `json:"required"`
}

func newAdminStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <user-id>",
		Short: "Show a user's referral record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, rootOpts, func(s *adminSession) error {
				id := referral.UserID(args[0])
				rec, ok := s.app.Ledger.Lookup(id)
				if !ok {
					return s.out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("no record for %s", id), nil)
				}

				v := statsView{
					ID:            string(rec.ID),
					Name:          rec.Name,
					Enabled:       rec.Enabled,
					ClaimedPayout: rec.ClaimedPayout,
					Confirmed:     []string{},
					Pending:       []string{},
					Required:      s.app.Ledger.Policy().PayoutThreshold,
				}
				if by, ok := s.app.Ledger.Referrer(id); ok {
					v.ReferredBy = string(by)
				}
				if at, ok := s.app.Ledger.FirstEngagement(id); ok {
					v.FirstEngagement = at.Format(time.RFC3339)
				}
				v.Address, _ = s.app.Ledger.Address(id)
				for _, e := range rec.Edges() {
					if e.State == referral.EdgeConfirmed {
						v.Confirmed = append(v.Confirmed, string(e.Referred))
					} else {
						v.Pending = append(v.Pending, string(e.Referred))
					}
				}

				return s.out.Success(v, func(w io.Writer) {
					fmt.Fprintf(w, "User:        %s (%s)\n", v.Name, v.ID)
					fmt.Fprintf(w, "Enabled:     %s\n", yesNo(v.Enabled))
					fmt.Fprintf(w, "Claimed:     %s\n", yesNo(v.ClaimedPayout))
					if v.ReferredBy != "" {
						fmt.Fprintf(w, "Referred by: %s\n", v.ReferredBy)
					}
					if v.FirstEngagement != "" {
						fmt.Fprintf(w, "First seen:  %s\n", v.FirstEngagement)
					}
					fmt.Fprintf(w, "Confirmed:   %d/%d %s\n", len(v.Confirmed), v.Required, strings.Join(v.Confirmed, ", "))
					fmt.Fprintf(w, "Pending:     %d %s\n", len(v.Pending), strings.Join(v.Pending, ", "))
				})
			})
		},
	}
}

type topRow struct {
	Rank      int    `json:"rank"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Confirmed int    `json:"confirmed"`
}

func newAdminTopCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "top",
		Short: "List referrers by confirmed referrals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, rootOpts, func(s *adminSession) error {
				recs := s.app.Ledger.TopReferrers(limit)
				rows := make([]topRow, 0, len(recs))
				for i, rec := range recs {
					rows = append(rows, topRow{Rank: i + 1, ID: string(rec.ID), Name: rec.Name, Confirmed: rec.ConfirmedCount()})
				}
				return s.out.Success(rows, func(w io.Writer) {
					if len(rows) == 0 {
						fmt.Fprintln(w, "No referrers yet.")
						return
					}
					fmt.Fprintln(w, "Top referrers")
					for _, r := range rows {
						fmt.Fprintf(w, "%3d. %-16s %4d confirmed  (%s)\n", r.Rank, r.Name, r.Confirmed, r.ID)
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of entries (0 for all)")
	return cmd
}

func newAdminResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Drop a user's outgoing referrals and claim marker",
		Long: `Drop every confirmed and pending referral the user made and clear the
claim marker. The users they referred stay referred.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, rootOpts, func(s *adminSession) error {
				id := referral.UserID(args[0])
				found, ack := s.app.Ledger.ResetUser(id)
				if !found {
					return s.out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("no record for %s", id), nil)
				}
				data := map[string]any{"id": string(id), "reset": true}
				return s.out.SuccessWithWarning(data, s.wait(ack), func(w io.Writer) {
					fmt.Fprintf(w, "Reset referrals for %s.\n", id)
				})
			})
		},
	}
}

func newAdminClaimCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <user-id>",
		Short: "Redeem one payout batch for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, rootOpts, func(s *adminSession) error {
				id := referral.UserID(args[0])
				res, ack := s.app.Ledger.ClaimPayout(id)
				if !res.Claimed {
					msg := fmt.Sprintf("%s has %d confirmed referrals; %d are required", id, res.ConfirmedBefore, res.Required)
					return s.out.Fail(ExitFailure, ErrCodeRejected, msg, nil)
				}
				consumed := make([]string, 0, len(res.Consumed))
				for _, c := range res.Consumed {
					consumed = append(consumed, string(c))
				}
				data := map[string]any{"id": string(id), "consumed": consumed, "remaining": res.Remaining}
				return s.out.SuccessWithWarning(data, s.wait(ack), func(w io.Writer) {
					fmt.Fprintf(w, "Claimed payout for %s: %d referrals consumed, %d remaining.\n", id, len(consumed), res.Remaining)
				})
			})
		},
	}
}

func newAdminToggleCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <user-id> [on|off]",
		Short: "Enable or disable referrals naming a user as referrer",
		Long:  "Without on or off the current setting is flipped.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, rootOpts, func(s *adminSession) error {
				id := referral.UserID(args[0])
				// Records start enabled, so flipping an unknown user disables.
				enabled := false
				if rec, ok := s.app.Ledger.Lookup(id); ok {
					enabled = !rec.Enabled
				}
				if len(args) == 2 {
					switch strings.ToLower(args[1]) {
					case "on", "true", "enable":
						enabled = true
					case "off", "false", "disable":
						enabled = false
					default:
						return s.out.Fail(ExitCommandError, ErrCodeRejected, fmt.Sprintf("expected on or off, got %q", args[1]), nil)
					}
				}

				rec, ack := s.app.Ledger.SetReferralEnabled(id, enabled)
				data := map[string]any{"id": string(rec.ID), "enabled": rec.Enabled}
				return s.out.SuccessWithWarning(data, s.wait(ack), func(w io.Writer) {
					state := "disabled"
					if rec.Enabled {
						state = "enabled"
					}
					fmt.Fprintf(w, "Referrals %s for %s.\n", state, rec.ID)
				})
			})
		},
	}
}

func newAdminReferCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refer <referrer-id> <referred-id>",
		Short: "Record a pending referral",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, rootOpts, func(s *adminSession) error {
				referrer, referred := referral.UserID(args[0]), referral.UserID(args[1])
				outcome, ack := s.app.Ledger.AddReferral(referrer, referred)
				if !outcome.OK() {
					return s.out.Fail(ExitFailure, ErrCodeRejected, outcome.Message(), nil)
				}
				data := map[string]any{"referrer": string(referrer), "referred": string(referred), "outcome": outcome.String()}
				return s.out.SuccessWithWarning(data, s.wait(ack), func(w io.Writer) {
					fmt.Fprintln(w, outcome.Message())
				})
			})
		},
	}
}

func newAdminSameAddressCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "same-address <user-id> <address>",
		Short: "Count a referrer's referred users last seen from an address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, rootOpts, func(s *adminSession) error {
				id := referral.UserID(args[0])
				n := s.app.Ledger.CountSameAddressReferrals(id, args[1])
				data := map[string]any{"id": string(id), "address": args[1], "count": n}
				return s.out.Success(data, func(w io.Writer) {
					fmt.Fprintf(w, "%s referred %d user(s) last seen from %s.\n", id, n, args[1])
				})
			})
		},
	}
}
