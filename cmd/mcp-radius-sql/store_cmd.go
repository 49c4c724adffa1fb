package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-radius-sql/config"
)

var errDegraded = errors.New("store health check failed")

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the configured database once and print {ok, latencyMs}",
		Long:  "check runs SELECT 1 against the configured database. It exits non-zero when the probe fails.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			log := newLogger(cmd.ErrOrStderr(), cfg.SlogLevel())

			st, err := openStore(cmd.Context(), cfg, log, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			h := st.Health(cmd.Context())
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(h); err != nil {
				return err
			}
			if !h.OK {
				return errDegraded
			}
			return nil
		},
	}
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the FreeRADIUS tables the gateway uses if they are missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			log := newLogger(cmd.ErrOrStderr(), cfg.SlogLevel())

			st, err := openStore(cmd.Context(), cfg, log, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			log.Info("store.schema.ok", slog.String("dialect", st.Dialect().String()))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return err
		},
	}
}
