package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/BTreeMap/GarageDesk/internal/notify"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired sessions once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSweep(cmd.Context(), cmd.OutOrStdout())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print attendance queue statistics as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStats(cmd.Context(), cmd.OutOrStdout())
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream attendance events from Redis as JSON lines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWithSignals(cmd.Context(), func(ctx context.Context) error {
			return runWatch(ctx, cmd.OutOrStdout())
		})
	},
}

func runSweep(ctx context.Context, w io.Writer) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	n, err := a.sessions.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(w, "removed %d expired sessions\n", n)
	return nil
}

func runStats(ctx context.Context, w io.Writer) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	stats, err := a.orch.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func runWatch(ctx context.Context, w io.Writer) error {
	if cfg.RedisURL == "" {
		return errors.New("watch needs REDIS_URL")
	}
	sub, err := notify.NewRedisPublisher(ctx, cfg.RedisURL, cfg.RedisChannel)
	if err != nil {
		return err
	}
	defer sub.Close()
	enc := json.NewEncoder(w)
	return sub.Subscribe(ctx, func(e notify.Event) {
		if err := enc.Encode(e); err != nil {
			fmt.Fprintln(w, "encode event:", err)
		}
	})
}
