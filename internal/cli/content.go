package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agenthands/chainstore/pkg/cdn"
	"github.com/agenthands/chainstore/pkg/chainstore"
	"github.com/agenthands/chainstore/pkg/chunked"
	"github.com/agenthands/chainstore/pkg/content"
	"github.com/spf13/cobra"
)

func (a *app) storeCommand() *cobra.Command {
	var opts content.Options
	cmd := &cobra.Command{
		Use:   "store [file]",
		Short: "Store a payload as one b:// record",
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
				rec, err := l.Content.Store(cmd.Context(), data, opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "address:    %s\n", rec.Addresses.B)
				fmt.Fprintf(out, "cdn:        %s\n", rec.Addresses.CDN)
				fmt.Fprintf(out, "explorer:   %s\n", rec.Addresses.Explorer)
				fmt.Fprintf(out, "media type: %s\n", rec.MediaType)
				fmt.Fprintf(out, "size:       %d bytes, %d words\n", rec.Size.Bytes, rec.Size.Words)
				fmt.Fprintf(out, "fee:        %d sats (%.6f)\n", rec.Cost.FeeSats, rec.Cost.Fiat)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.MediaType, "type", "", "media type (detected when empty)")
	cmd.Flags().StringVar(&opts.Encoding, "encoding", "", "character encoding")
	cmd.Flags().StringVar(&opts.Filename, "filename", "", "filename recorded with the payload")
	return cmd
}

func (a *app) getCommand() *cobra.Command {
	var (
		out      string
		opts     cdn.RetrieveOptions
		dataFile string
		vars     []string
	)
	cmd := &cobra.Command{
		Use:   "get <address>",
		Short: "Read any record address through the gateway",
		Long: `Read the record behind a b://, bcat://, CDN or explorer address, or a bare
record id. The edge is tried first when cdn.enabled is set.

--includes splices {{b://<id>}} markers, --template renders documents
tagged {{mustache=B://}} with variables from --data-file and --var.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := templateData(dataFile, vars)
			if err != nil {
				return err
			}
			opts.Data = data
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				res, err := l.Gateway.Retrieve(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "source %s, %s\n", res.Metrics.Source, res.Metrics.Latency)
				return output(cmd, out, res.Payload)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&opts.Includes, "includes", false, "resolve include markers")
	cmd.Flags().BoolVar(&opts.Template, "template", false, "render template documents")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "JSON object of template variables")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "template variable as name=value")
	return cmd
}

func templateData(path string, vars []string) (map[string]any, error) {
	data := make(map[string]any)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("template data %s: %w", path, err)
		}
	}
	for _, kv := range vars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("template variable %q must be name=value", kv)
		}
		data[k] = v
	}
	return data, nil
}

func (a *app) estimateCommand() *cobra.Command {
	var opts chunked.Options
	cmd := &cobra.Command{
		Use:   "estimate [file]",
		Short: "Estimate the fee of storing a payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := input(cmd, args)
			if err != nil {
				return err
			}
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				out := cmd.OutOrStdout()
				if !l.Chunked.ShouldUseChunking(len(data)) {
					cost, err := l.Content.EstimateCost(data, content.Options{MediaType: opts.MimeType})
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "single record: %d sats (%.6f)\n", cost.FeeSats, cost.Fiat)
					return nil
				}
				cost, err := l.Chunked.EstimateCost(cmd.Context(), data, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "chunked: %d parts, manifest %d sats, parts %d sats\n", cost.Parts, cost.ManifestSats, cost.PartSats)
				fmt.Fprintf(out, "total:   %d sats (%.6f)\n", cost.TotalSats, cost.TotalFiat)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.MimeType, "type", "", "media type")
	cmd.Flags().IntVar(&opts.MaxPartSize, "part-size", 0, "maximum part size in bytes")
	cmd.Flags().StringVar(&opts.Compress, "compress", "", "gzip, zstd, lz4 or snappy")
	cmd.Flags().StringVar(&opts.Split, "split", "", "fixed or cdc")
	return cmd
}
