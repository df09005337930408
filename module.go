package queue

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"
)

// Module is the queue module. It provides the queue command.
type Module struct {
	manager *Manager
	logger  log.Logger
}

// New creates the queue module.
func New(manager *Manager, logger log.Logger) Module {
	return Module{manager: manager, logger: logger}
}

// ProvideCommand implements container.CommandProvider.
func (m Module) ProvideCommand(command *cobra.Command) {
	command.AddCommand(m.command())
}

func (m Module) command() *cobra.Command {
	var connection, queue string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the job queue",
		Long:  "Work, inspect and clear the queues of the configured connections.",
	}
	cmd.PersistentFlags().StringVarP(&connection, "connection", "c", "", "the connection to use, defaults to the default connection")
	cmd.PersistentFlags().StringVarP(&queue, "queue", "q", defaultQueue, "the queue to use")

	var (
		sleep   time.Duration
		timeout time.Duration
		maxJobs int
	)
	workCmd := &cobra.Command{
		Use:   "work",
		Short: "Process jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return m.manager.Work(ctx, WorkOptions{
				Connection: connection,
				Queue:      queue,
				Sleep:      sleep,
				Timeout:    timeout,
				MaxJobs:    maxJobs,
			})
		},
	}
	workCmd.Flags().DurationVar(&sleep, "sleep", defaultSleep, "pause after an empty poll")
	workCmd.Flags().DurationVar(&timeout, "timeout", defaultTimeout, "upper bound of each attempt")
	workCmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "stop after processing that many jobs, 0 means never")

	sizeCmd := &cobra.Command{
		Use:   "size",
		Short: "Print the number of waiting jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := m.manager.Connection(connection)
			if err != nil {
				return err
			}
			n, err := driver.Size(commandContext(cmd), queue)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every job of the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := m.manager.Connection(connection)
			if err != nil {
				return err
			}
			n, err := driver.Clear(commandContext(cmd), queue)
			if err != nil {
				return err
			}
			_ = level.Info(m.logger).Log("msg", "queue cleared", "connection", connection, "queue", queue, "jobs", n)
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d jobs\n", n)
			return nil
		},
	}

	var flush bool
	failedCmd := &cobra.Command{
		Use:   "failed",
		Short: "List the jobs that exhausted their attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCONNECTION\tQUEUE\tATTEMPTS\tFAILED AT\tERROR")
			for _, f := range m.manager.Failed() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%v\n",
					f.Envelope.ID, f.Connection, f.Envelope.Queue, f.Envelope.Attempts+1, f.FailedAt.Format(time.RFC3339), f.Err)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if flush {
				fmt.Fprintf(cmd.OutOrStdout(), "flushed %d failed jobs\n", m.manager.FlushFailed())
			}
			return nil
		},
	}
	failedCmd.Flags().BoolVar(&flush, "flush", false, "empty the failed record after listing it")

	cmd.AddCommand(workCmd, sizeCmd, clearCmd, failedCmd)
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
