package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/agenthands/chainstore/pkg/chainstore"
	"github.com/agenthands/chainstore/pkg/chunked"
	"github.com/spf13/cobra"
)

func (a *app) storeLargeCommand() *cobra.Command {
	var opts chunked.Options
	cmd := &cobra.Command{
		Use:   "store-large [file]",
		Short: "Store content as parts plus a bcat:// manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := input(cmd, args)
			if err != nil {
				return err
			}
			if opts.Filename == "" && len(args) == 1 && args[0] != "-" {
				opts.Filename = filepath.Base(args[0])
			}
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				res, err := l.Chunked.StoreLarge(cmd.Context(), data, opts)
				var partial *chainstore.PartialChunkError
				if errors.As(err, &partial) {
					for _, p := range partial.Stored {
						fmt.Fprintf(cmd.ErrOrStderr(), "orphaned part %d: %s\n", p.Index, p.ID)
					}
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "manifest: %s\n", res.Addresses.Bcat)
				fmt.Fprintf(out, "cdn:      %s\n", res.Addresses.CDN)
				fmt.Fprintf(out, "explorer: %s\n", res.Addresses.Explorer)
				for _, p := range res.Parts {
					kind := "b"
					if p.Raw {
						kind = "raw"
					}
					fmt.Fprintf(out, "part %3d: %s %6d bytes (%s)\n", p.Index, p.ID, p.Size, kind)
				}
				fmt.Fprintf(out, "size:     %d -> %d bytes (ratio %.3f)\n", res.Size.OriginalBytes, res.Size.StoredBytes, res.Size.CompressionRatio)
				fmt.Fprintf(out, "fee:      %d sats (%.6f)\n", res.Cost.TotalSats, res.Cost.TotalFiat)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.MimeType, "type", "", "media type (detected when empty)")
	cmd.Flags().StringVar(&opts.Encoding, "encoding", "", "character encoding")
	cmd.Flags().StringVar(&opts.Filename, "filename", "", "filename recorded in the manifest")
	cmd.Flags().StringVar(&opts.Info, "info", "", "free-text description")
	cmd.Flags().IntVar(&opts.MaxPartSize, "part-size", 0, "maximum part size in bytes")
	cmd.Flags().StringVar(&opts.Compress, "compress", "", "gzip, zstd, lz4 or snappy")
	cmd.Flags().StringVar(&opts.Split, "split", "", "fixed or cdc")
	return cmd
}

func (a *app) getLargeCommand() *cobra.Command {
	var (
		out  string
		info bool
	)
	cmd := &cobra.Command{
		Use:   "get-large <bcat-address>",
		Short: "Reassemble chunked content from its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				if info {
					m, err := l.Chunked.Info(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					w := cmd.OutOrStdout()
					fmt.Fprintf(w, "info:     %s\nmime:     %s\nencoding: %s\nfilename: %s\nflag:     %s\n",
						m.Info, m.MimeType, m.Encoding, m.Filename, m.Flag)
					for i, id := range m.Parts {
						fmt.Fprintf(w, "part %3d: %s\n", i, id)
					}
					return nil
				}
				data, err := l.Chunked.RetrieveLarge(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return output(cmd, out, data)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&info, "info", false, "print the manifest instead of the content")
	return cmd
}
