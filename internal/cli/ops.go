package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/agenthands/chainstore/pkg/cdn"
	"github.com/agenthands/chainstore/pkg/chainstore"
	"github.com/agenthands/chainstore/pkg/chunked"
	"github.com/agenthands/chainstore/pkg/content"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) fundCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fund <sats>",
		Short: "Mint spendable value on the local ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sats, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				if l.Node == nil {
					return errors.New("fund needs the local ledger")
				}
				op, err := l.Node.Fund(cmd.Context(), sats)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "funded %d sats to %s at %v\n", sats, l.Node.Identity(), op)
				return nil
			})
		},
	}
}

func (a *app) auditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Report chunk parts that no manifest references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				if l.Audit == nil {
					return errors.New("audit needs the local ledger")
				}
				rep, err := l.Audit.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "records %d, manifests %d, parts %d\n", rep.Records, rep.Manifests, rep.Parts)
				fmt.Fprintf(out, "orphaned parts: %d (%d bytes)\n", len(rep.Orphans), rep.OrphanBytes)
				for _, o := range rep.Orphans {
					fmt.Fprintf(out, "  %s %s %d bytes, %s\n", o.ID, o.Protocol, o.Bytes, o.CommittedAt.Format(time.RFC3339))
				}
				for _, b := range rep.Broken {
					fmt.Fprintf(out, "manifest %s is missing %d parts\n", b.Manifest, len(b.Missing))
				}
				return nil
			})
		},
	}
}

func (a *app) reindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Replay every reference record into the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				n, err := l.Reindex(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d references\n", n)
				return nil
			})
		},
	}
}

func (a *app) edgeCommand() *cobra.Command {
	var addr, region, dataCenter string
	cmd := &cobra.Command{
		Use:   "edge",
		Short: "Serve records over HTTP with an in-memory cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLayer(cmd, func(l *chainstore.Layer) error {
				// The edge reads the ledger directly, never another edge.
				contents := content.New(l.Ledger, l.Config, content.WithLogger(a.log.Named("content")))
				chunks := chunked.New(l.Ledger, contents, l.Config, chunked.WithLogger(a.log.Named("chunked")))
				defer chunks.Close()
				edge, err := cdn.NewEdge(contents, chunks, l.Config.CDN,
					cdn.WithRegion(region, dataCenter),
					cdn.WithEdgeLogger(a.log.Named("edge")),
				)
				if err != nil {
					return err
				}
				return serve(cmd.Context(), a.log, addr, edge)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&region, "region", "local", "region reported in responses")
	cmd.Flags().StringVar(&dataCenter, "datacenter", "", "data center reported in responses")
	return cmd
}

// serve runs h until ctx is cancelled, then shuts down gracefully.
func serve(ctx context.Context, log *zap.Logger, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("edge listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("edge shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
