package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/cachetx"
	"pkt.systems/cachetx/api"
	"pkt.systems/cachetx/internal/loggingutil"
	"pkt.systems/cachetx/internal/operation"
	"pkt.systems/cachetx/internal/wire"
)

func newRecoverCommand(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "List the Xids the cluster holds in doubt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := st.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closeClient(client)
			xids, err := client.Recover(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, xid := range xids {
				fmt.Fprintln(out, xid.String())
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s in-doubt transaction(s)\n", humanize.Comma(int64(len(xids))))
			return nil
		},
	}
}

func newPrepareCommand(st *cliState) *cobra.Command {
	var (
		modsPath string
		formatID int32
		onePhase bool
	)
	cmd := &cobra.Command{
		Use:   "prepare [xid]",
		Short: "Prepare a batch of modifications under an Xid (generated when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if modsPath == "" {
				return fmt.Errorf("--modifications is required")
			}
			mods, err := readModifications(modsPath)
			if err != nil {
				return err
			}
			var xid api.Xid
			if len(args) == 1 {
				if xid, err = api.ParseXid(args[0]); err != nil {
					return err
				}
			}

			client, logger, err := st.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closeClient(client)

			if xid.IsZero() {
				if xid, err = client.Begin(formatID); err != nil {
					return err
				}
			} else if err := client.Enlist(xid); err != nil {
				return err
			}
			for _, m := range mods {
				if err := client.AddModification(xid, m); err != nil {
					return err
				}
			}

			cfg := client.Config()
			size := 0
			if proto, err := wire.Lookup(wire.Version(cfg.ProtocolVersion)); err == nil {
				topologyID, _ := client.Topology()
				size = operation.Prepare(cfg.CacheName, xid, onePhase, cfg.Recoverable, cfg.DefaultTxnTimeout, mods).Size(proto, topologyID)
			}
			loggingutil.WithSubsystem(logger, "cli.prepare").Info("prepare.send",
				"xid", xid.String(),
				"modifications", len(mods),
				"request_size", humanizeBytes(size),
				"one_phase", onePhase,
			)

			out := cmd.OutOrStdout()
			if onePhase {
				if err := client.Commit(cmd.Context(), xid, true); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s committed\n", xid)
				return nil
			}
			vote, err := client.Prepare(cmd.Context(), xid)
			if err != nil {
				var xe *api.XAError
				if errors.As(err, &xe) && api.IsRollbackCode(xe.Code) {
					fmt.Fprintf(out, "%s %s\n", xid, vote)
				}
				return err
			}
			fmt.Fprintf(out, "%s %s\n", xid, vote)
			return nil
		},
	}
	cmd.Flags().StringVarP(&modsPath, "modifications", "m", "", "YAML file with the modifications to prepare (- reads stdin)")
	cmd.Flags().Int32Var(&formatID, "format-id", api.DefaultFormatID, "format id of a generated Xid")
	cmd.Flags().BoolVar(&onePhase, "one-phase", false, "commit in a single request instead of leaving the branch prepared")
	return cmd
}

func newCommitCommand(st *cliState) *cobra.Command {
	return newCompletionCommand(st, "commit", "Commit an in-doubt Xid", func(c *cachetx.Client, cmd *cobra.Command, xid api.Xid) error {
		return c.Commit(cmd.Context(), xid, false)
	})
}

func newRollbackCommand(st *cliState) *cobra.Command {
	return newCompletionCommand(st, "rollback", "Roll back an in-doubt Xid", func(c *cachetx.Client, cmd *cobra.Command, xid api.Xid) error {
		return c.Rollback(cmd.Context(), xid)
	})
}

func newForgetCommand(st *cliState) *cobra.Command {
	return newCompletionCommand(st, "forget", "Forget a heuristically completed Xid", func(c *cachetx.Client, cmd *cobra.Command, xid api.Xid) error {
		return c.Forget(cmd.Context(), xid)
	})
}

var pastTense = map[string]string{
	"commit":   "committed",
	"rollback": "rolled back",
	"forget":   "forgotten",
}

func newCompletionCommand(st *cliState, use, short string, run func(*cachetx.Client, *cobra.Command, api.Xid) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <xid>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xids := make([]api.Xid, 0, len(args))
			for _, arg := range args {
				xid, err := api.ParseXid(arg)
				if err != nil {
					return err
				}
				xids = append(xids, xid)
			}
			client, _, err := st.openClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closeClient(client)
			var errs []error
			for _, xid := range xids {
				if err := run(client, cmd, xid); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", xid, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", xid, pastTense[use])
			}
			return errors.Join(errs...)
		},
	}
}
