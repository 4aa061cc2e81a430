package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/drpcorg/taskq"
	"github.com/drpcorg/taskq/scheduler"
	"github.com/spf13/cobra"
)

var ErrInconsistent = errors.New("the task queue is inconsistent")

type flags struct {
	dir      string
	config   string
	logLevel string
}

func (f *flags) open() (*taskq.TaskQueue, error) {
	var opts taskq.Options
	if f.config != "" {
		var err error
		if opts, err = taskq.LoadOptions(f.config); err != nil {
			return nil, err
		}
	}
	if f.dir != "" {
		opts.Dir = f.dir
	}
	if f.logLevel != "" {
		opts.LogLevel = f.logLevel
	}
	return taskq.Open(opts)
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "taskq",
		Short:         "Inspect and drive a taskq directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		// no subcommand opens the REPL
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runREPL(f)
		},
	}
	root.PersistentFlags().StringVarP(&f.dir, "dir", "d", "", "data directory (overrides the config file)")
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "", "options file, .yaml or .toml")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		&cobra.Command{
			Use:   "repl",
			Short: "Interactive shell over the queue",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return runREPL(f) },
		},
		&cobra.Command{
			Use:   "check",
			Short: "Verify the bitmap indexes against the stored tasks and batches",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				tq, err := f.open()
				if err != nil {
					return err
				}
				defer tq.Close()
				violations, err := tq.Check()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, v := range violations {
					_, _ = fmt.Fprintln(out, v)
				}
				if len(violations) > 0 {
					return fmt.Errorf("%w: %d violations", ErrInconsistent, len(violations))
				}
				_, err = fmt.Fprintln(out, "ok")
				return err
			},
		},
		newTickCmd(f),
		&cobra.Command{
			Use:   "run",
			Short: "Process batches until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				tq, err := f.open()
				if err != nil {
					return err
				}
				defer tq.Close()
				return tq.Run(ctx)
			},
		},
	)
	return root
}

func newTickCmd(f *flags) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Process batches until the queue is idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tq, err := f.open()
			if err != nil {
				return err
			}
			defer tq.Close()
			n, outcome, err := tick(cmd.Context(), tq, count)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d batches processed, %s\n", n, outcome)
			return err
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many batches, 0 for no limit")
	return cmd
}

func tick(ctx context.Context, tq *taskq.TaskQueue, limit int) (n int, outcome scheduler.TickOutcome, err error) {
	for limit == 0 || n < limit {
		if outcome, err = tq.Tick(ctx); err != nil || outcome != scheduler.TickAgain {
			return
		}
		n++
	}
	return
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
