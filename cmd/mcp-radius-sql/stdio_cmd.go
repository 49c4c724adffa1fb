package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-radius-sql/config"
	"github.com/ggoodman/mcp-radius-sql/internal/engine"
	"github.com/ggoodman/mcp-radius-sql/radiustools"
	"github.com/ggoodman/mcp-radius-sql/stdio"
)

func newStdioCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve one MCP client over stdin/stdout",
		Long: `stdio runs the tool catalogue for a single local client that spawned this
process. Messages are newline-delimited JSON-RPC on stdin and stdout; logs go to
stderr. The database settings are the same as for serve.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			log := newLogger(os.Stderr, cfg.SlogLevel())

			st, err := openStore(cmd.Context(), cfg, log, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			eng := engine.NewEngine(radiustools.New(st, radiustools.WithLogger(log)), engine.WithLogger(log))
			return stdio.NewHandler(eng, stdio.WithIO(cmd.InOrStdin(), cmd.OutOrStdout()), stdio.WithLogger(log)).Serve(cmd.Context())
		},
	}
}
