package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/service/eventlog"
	"github.com/zhouzirui/z-relay/backend/internal/store/sqlstore"
)

func newTailCmd() *cobra.Command {
	var from int64
	cmd := &cobra.Command{
		Use:   "tail <sessionID>",
		Short: "Print a session's event log as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			driver := cfg.EventLog.Driver
			if driver != config.DriverSQLite && driver != config.DriverPostgres {
				return fmt.Errorf("tail needs a persistent event log, EVENTLOG_DRIVER is %q", driver)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := sqlstore.Open(ctx, sqlstore.Dialect(driver), cfg.EventLog.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			return printLog(ctx, cmd.OutOrStdout(), eventlog.NewDurable(store, eventlog.Options{}), args[0], from)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first sequence number to print")
	return cmd
}

func printLog(ctx context.Context, out io.Writer, l eventlog.Log, sessionID string, from int64) error {
	tail := l.Tail(sessionID, from)
	for {
		e, err := tail.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stopped before sequence %d: %w", tail.Position(), err)
		}
		line, err := stream.Encode(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s\n", line); err != nil {
			return err
		}
	}
}
