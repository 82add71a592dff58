package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/miekg/dns"
	"github.com/nsmithuk/enforcer"
	"github.com/spf13/cobra"
)

type table struct {
	*tabwriter.Writer
}

func newTable(out io.Writer, headings ...string) *table {
	t := &table{tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)}
	t.row(stringsToAny(headings)...)
	return t
}

func (t *table) row(cells ...any) {
	for i, c := range cells {
		if i > 0 {
			fmt.Fprint(t, "\t")
		}
		fmt.Fprint(t, c)
	}
	fmt.Fprintln(t)
}

func stringsToAny(s []string) []any {
	result := make([]any, len(s))
	for i, v := range s {
		result[i] = v
	}
	return result
}

//---

func (a *app) keyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Inspect keys and report on their DS records and backups",
	}

	cmd.AddCommand(
		a.keyListCommand(),
		a.dsCommand("ds-submit", "Record that the DS has been handed to the parent", enforcer.MarkDsSubmitted),
		a.dsCommand("ds-seen", "Record that the DS has been seen at the parent", enforcer.MarkDsSeen),
		a.dsCommand("ds-retract", "Record that removal of the DS has been requested from the parent", enforcer.MarkDsRetracted),
		a.dsCommand("ds-gone", "Record that the DS is no longer published by the parent", enforcer.MarkDsGone),
		a.backupDoneCommand(),
	)
	return cmd
}

func (a *app) keyListCommand() *cobra.Command {
	var zone string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys with their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := a.store.ZoneNames()
			if zone != "" {
				names = []string{zone}
			}

			headings := []string{"ZONE", "ROLE", "KEYTAG", "ALGORITHM", "STATE", "DS", "NEXT ROLL"}
			if verbose {
				headings = append(headings, "DNSKEY", "RRSIGDNSKEY", "RRSIG", "DS RECORD", "LOCATOR")
			}
			w := newTable(cmd.OutOrStdout(), headings...)

			for _, name := range names {
				z, err := a.store.LoadZone(name)
				if err != nil {
					return err
				}
				for _, k := range z.Keys {
					next := "-"
					if k.Introducing {
						if t := z.NextRoll(k.Role); !t.IsZero() {
							next = t.UTC().Format(time.RFC3339)
						}
					}
					cells := []any{z.Name, k.Role, k.Keytag, dns.AlgorithmToString[k.Algorithm], enforcer.Summarize(k), k.DsAtParent, next}
					if verbose {
						locator := "-"
						if k.HsmKey != nil {
							locator = k.HsmKey.Locator
						}
						cells = append(cells,
							k.StateOf(enforcer.DNSKEY),
							k.StateOf(enforcer.RRSIGDNSKEY),
							k.StateOf(enforcer.RRSIG),
							k.StateOf(enforcer.DS),
							locator,
						)
					}
					w.row(cells...)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "", "only list the keys of this zone")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include the state of each record")
	return cmd
}

// dsCommand builds a command applying a DS-at-parent transition. Without --keytag the transition
// is applied to every key of the zone it's valid for.
func (a *app) dsCommand(use, short string, mark func(*enforcer.Tx, *enforcer.Key) error) *cobra.Command {
	var zone string
	var keytag uint16

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			z, err := a.store.LoadZone(zone)
			if err != nil {
				return err
			}

			tx := enforcer.NewTx()
			var marked []string
			var errs []error
			for _, k := range z.Keys {
				if keytag != 0 && k.Keytag != keytag {
					continue
				}
				if err := mark(tx, k); err != nil {
					errs = append(errs, err)
					continue
				}
				marked = append(marked, fmt.Sprintf("%d", k.Keytag))
			}

			if len(marked) == 0 {
				if len(errs) == 0 {
					return fmt.Errorf("zone [%s] has no key with keytag %d", z.Name, keytag)
				}
				return errors.Join(errs...)
			}

			if err := a.store.Commit(z.Name, tx); err != nil {
				return err
			}
			a.changed = true

			fmt.Fprintf(cmd.OutOrStdout(), "%s: updated keys %s\n", z.Name, strings.Join(marked, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "", "zone the key belongs to")
	cmd.Flags().Uint16Var(&keytag, "keytag", 0, "keytag of the key; all eligible keys if omitted")
	_ = cmd.MarkFlagRequired("zone")
	return cmd
}

func (a *app) backupDoneCommand() *cobra.Command {
	var zone string

	cmd := &cobra.Command{
		Use:   "backup-done",
		Short: "Record that the zone's key material has been backed up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			z, err := a.store.LoadZone(zone)
			if err != nil {
				return err
			}

			tx := enforcer.NewTx()
			n := 0
			for _, k := range z.Keys {
				if k.HsmKey == nil || !k.HsmKey.Backup.Pending() {
					continue
				}
				k.HsmKey.Backup = enforcer.BackupDone
				tx.MarkHsmKey(k.HsmKey, enforcer.Update)
				n++
			}

			if n > 0 {
				if err := a.store.Commit(z.Name, tx); err != nil {
					return err
				}
				a.changed = true
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d keys backed up\n", z.Name, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "", "zone whose keys were backed up")
	_ = cmd.MarkFlagRequired("zone")
	return cmd
}
