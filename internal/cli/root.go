// Package cli implements the chainstore command.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/agenthands/chainstore/pkg/chainstore"
	"github.com/agenthands/chainstore/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type app struct {
	v          *viper.Viper
	configPath string
	cfg        chainstore.Config
	log        *zap.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: newViper()}

	root := &cobra.Command{
		Use:   "chainstore",
		Short: "Store content on the ledger and read it back",
		Long: `chainstore stores content as ledger records and reads it back.

Small payloads become single b:// records, large ones are split into parts
listed by a bcat:// manifest, and D:// references give stable names to
either. Reads can go through a caching edge started with "chainstore edge".`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, logCfg, err := LoadConfig(a.v, a.configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(logCfg.Level, logCfg.Format)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML config file")
	flags.String("dir", "", "data directory (default .chainstore)")
	flags.String("identity", "", "ledger identity to sign as")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("index", "", "reference index backend: catalog, memory or postgres")
	_ = a.v.BindPFlag("dir", flags.Lookup("dir"))
	_ = a.v.BindPFlag("ledger.identity", flags.Lookup("identity"))
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("index.backend", flags.Lookup("index"))

	root.AddCommand(
		a.storeCommand(),
		a.getCommand(),
		a.storeLargeCommand(),
		a.getLargeCommand(),
		a.estimateCommand(),
		a.refCommand(),
		a.docIndexCommand(),
		a.fundCommand(),
		a.auditCommand(),
		a.reindexCommand(),
		a.edgeCommand(),
	)
	return root
}

// Execute runs the command tree against os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// withLayer opens the layer for one command and closes it afterwards.
func (a *app) withLayer(cmd *cobra.Command, fn func(*chainstore.Layer) error) error {
	l, err := chainstore.Open(cmd.Context(), a.cfg, chainstore.WithLogger(a.log))
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}

// input reads the named file, or stdin for "" and "-".
func input(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

func output(cmd *cobra.Command, path string, data []byte) error {
	if path == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(data), path)
	return nil
}
