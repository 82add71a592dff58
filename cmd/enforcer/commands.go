package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/nsmithuk/enforcer"
	"github.com/spf13/cobra"
)

func (a *app) enforceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enforce",
		Short: "Run one enforcement pass over every zone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := a.clock()
			if err != nil {
				return err
			}

			report, err := a.scheduler.EnforceAll(cmd.Context(), now)
			a.changed = a.changed || report.Enforced > len(report.Failed)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, zone := range a.store.ZoneNames() {
				next, ok := a.scheduler.NextWake(zone)
				switch {
				case !ok:
				case next.IsZero():
					fmt.Fprintf(out, "%s\twaiting on external input\n", zone)
				default:
					fmt.Fprintf(out, "%s\tnext pass at %s\n", zone, next.UTC().Format(time.RFC3339))
				}
			}

			if len(report.Failed) > 0 {
				return fmt.Errorf("%d zones failed: %s", len(report.Failed), strings.Join(report.Failed, ", "))
			}
			return nil
		},
	}
}

func (a *app) purgeCommand() *cobra.Command {
	var zone, policy string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove dead keys straight away, from a zone or every zone using a policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (zone == "") == (policy == "") {
				return errors.New("exactly one of --zone or --policy is required")
			}
			now, err := a.clock()
			if err != nil {
				return err
			}

			var n int
			if zone != "" {
				n, err = a.scheduler.PurgeZone(cmd.Context(), zone, now)
			} else {
				if _, perr := a.store.Policy(policy); perr != nil {
					return perr
				}
				n, err = a.scheduler.PurgePolicy(cmd.Context(), policy, now)
			}
			a.changed = a.changed || n > 0

			fmt.Fprintf(cmd.OutOrStdout(), "purged %d keys\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "", "zone to purge")
	cmd.Flags().StringVar(&policy, "policy", "", "purge every zone using this policy")
	cmd.MarkFlagsMutuallyExclusive("zone", "policy")
	return cmd
}

func (a *app) rolloverCommand() *cobra.Command {
	var zone, role string

	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Start a rollover of the zone's keys of a role on the next pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := enforcer.ParseRole(role)
			if err != nil {
				return err
			}

			z, err := a.store.LoadZone(zone)
			if err != nil {
				return err
			}

			found := false
			for _, pk := range z.Policy.Keys {
				found = found || pk.Role == r
			}
			if !found {
				return fmt.Errorf("policy [%s] has no %s keys", z.Policy.Name, r)
			}

			z.SetRollNow(r, true)
			tx := enforcer.NewTx()
			tx.MarkZone(z, enforcer.Update)
			if err := a.store.Commit(z.Name, tx); err != nil {
				return err
			}
			a.changed = true

			fmt.Fprintf(cmd.OutOrStdout(), "%s rollover of %s requested\n", r, z.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "", "zone to roll")
	cmd.Flags().StringVar(&role, "role", "", "ksk|zsk|csk")
	_ = cmd.MarkFlagRequired("zone")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func (a *app) zoneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zone",
		Short: "Manage zones",
	}

	var name, policy string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a zone under a policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.AddZone(name, policy); err != nil {
				return err
			}
			a.changed = true
			return nil
		},
	}
	add.Flags().StringVar(&name, "zone", "", "zone name")
	add.Flags().StringVar(&policy, "policy", "", "policy name")
	_ = add.MarkFlagRequired("zone")
	_ = add.MarkFlagRequired("policy")

	list := &cobra.Command{
		Use:   "list",
		Short: "List zones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := newTable(cmd.OutOrStdout(), "ZONE", "POLICY", "KEYS", "SIGNCONF")
			for _, name := range a.store.ZoneNames() {
				z, err := a.store.LoadZone(name)
				if err != nil {
					return err
				}
				signconf := "current"
				if z.SignconfNeedsWriting {
					signconf = "needs writing"
				}
				w.row(z.Name, z.Policy.Name, len(z.Keys), signconf)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func (a *app) dumpCommand() *cobra.Command {
	var zone string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the full object graph of a zone, or of every zone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := a.store.ZoneNames()
			if zone != "" {
				names = []string{zone}
			}

			cfg := spew.ConfigState{
				Indent:                  "  ",
				DisablePointerAddresses: true,
				DisableCapacities:       true,
				SortKeys:                true,
			}
			for _, name := range names {
				z, err := a.store.LoadZone(name)
				if err != nil {
					return err
				}
				cfg.Fdump(cmd.OutOrStdout(), z)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "", "zone to dump")
	return cmd
}
