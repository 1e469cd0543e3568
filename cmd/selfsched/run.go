package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/shashfrankenstien/self-scheduler/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run <project-id> [entry-point-id]",
	Short: "Run an entry point once and print its output",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runOnce,
}

func runOnce(cmd *cobra.Command, args []string) error {
	pid, err := parseID(args[0])
	if err != nil {
		return err
	}
	var ep int64
	if len(args) == 2 {
		if ep, err = parseID(args[1]); err != nil {
			return err
		}
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stream, err := a.Service().RunNow(ctx, pid, ep)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for {
		line, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stream.Cancel()
			return err
		}
		fmt.Fprintln(out, line.Text)
	}
	res := stream.Result()
	if res.Err != nil {
		return errors.Wrapf(res.Err, "run %s failed", res.RunID)
	}
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Newf("invalid id %q", s)
	}
	return id, nil
}

// withApp opens a one-shot app with a bounded context.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	return fn(ctx, a)
}
