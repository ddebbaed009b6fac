package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/agenthands/chainstore/pkg/chainstore"
	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/mutable"
	"github.com/spf13/cobra"
)

func (a *app) refCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ref",
		Short: "Manage D:// references",
	}
	cmd.AddCommand(a.refSetCommand(), a.refGetCommand(), a.refRmCommand(), a.refLsCommand())
	return cmd
}

func printRef(cmd *cobra.Command, r *mutable.Reference) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "address:  %s\n", r.Address())
	fmt.Fprintf(out, "value:    %s\n", r.Value)
	fmt.Fprintf(out, "type:     %s\n", r.Type)
	fmt.Fprintf(out, "sequence: %d\n", r.Sequence)
	fmt.Fprintf(out, "record:   %s\n", r.RecordID)
}

func (a *app) refSetCommand() *cobra.Command {
	var (
		typ string
		seq uint64
	)
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a new version of a reference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				res, err := l.Mutable.CreateOrUpdate(cmd.Context(), "", args[0], args[1], mutable.Options{
					Type:     core.RefType(typ),
					Sequence: seq,
				})
				if err != nil {
					return err
				}
				printRef(cmd, &res.Reference)
				fmt.Fprintf(cmd.OutOrStdout(), "fee:      %d sats\n", res.Cost.FeeSats)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "b, c, tx or txt (detected when empty)")
	cmd.Flags().Uint64Var(&seq, "sequence", 0, "explicit sequence (next one when 0)")
	return cmd
}

func (a *app) refGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <D://owner/key | key>",
		Short: "Resolve the current version of a reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				var (
					ref *mutable.Reference
					err error
				)
				if strings.HasPrefix(strings.ToLower(args[0]), "d://") {
					ref, err = l.Mutable.ResolveAddress(cmd.Context(), args[0])
				} else {
					ref, err = l.Mutable.Resolve(cmd.Context(), "", args[0])
				}
				if err != nil {
					return err
				}
				printRef(cmd, ref)
				return nil
			})
		},
	}
}

func (a *app) refRmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Delete a reference by writing a tombstone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				res, err := l.Mutable.Delete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s at sequence %d\n", res.DAddress, res.Sequence)
				return nil
			})
		},
	}
}

func (a *app) refLsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [owner]",
		Short: "List the live references of an owner, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := ""
			if len(args) == 1 {
				owner = args[0]
			}
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				refs, err := l.Mutable.ListForOwner(cmd.Context(), owner)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tTYPE\tSEQ\tUPDATED\tVALUE")
				for _, r := range refs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.Key, r.Type, r.Sequence, r.UpdatedAt.Format("2006-01-02 15:04:05"), r.Value)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) docIndexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docindex",
		Short: "Read or replace the document index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get [owner]",
		Short: "Print an owner's document index as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := ""
			if len(args) == 1 {
				owner = args[0]
			}
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				idx, err := l.Mutable.GetDocumentIndex(cmd.Context(), owner)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(idx)
			})
		},
	}, &cobra.Command{
		Use:   "set [documents.json]",
		Short: "Store a JSON array of entries as the new document index",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := input(cmd, args)
			if err != nil {
				return err
			}
			var docs []mutable.DocumentEntry
			if err := json.Unmarshal(raw, &docs); err != nil {
				return fmt.Errorf("%w: documents: %v", core.ErrInvalidArgument, err)
			}
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				upd, err := l.Mutable.UpdateDocumentIndex(cmd.Context(), docs)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "index:   %s\npointer: %s (sequence %d)\n",
					upd.Content.Addresses.B, upd.Pointer.DAddress, upd.Pointer.Sequence)
				return nil
			})
		},
	})
	return cmd
}
