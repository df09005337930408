package main

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"time"

	queue "github.com/vutia-ent/fastpy-queue"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"
)

// LogMessage writes its message to stdout. It is the job behind the dispatch
// command and a smoke test for a deployment.
type LogMessage struct {
	queue.JobMeta
	Message string `json:"message"`
}

// JobName implements queue.Serializable.
func (l *LogMessage) JobName() string {
	return "fastpy.jobs.LogMessage"
}

// Handle implements queue.Job.
func (l *LogMessage) Handle(ctx context.Context) error {
	_, err := fmt.Fprintln(os.Stdout, l.Message)
	return err
}

func init() {
	gob.Register(&LogMessage{})
}

func newRegistry() *queue.Registry {
	registry := queue.NewRegistry("fastpy.jobs")
	registry.Register(func() queue.Job { return &LogMessage{} })
	return registry
}

type dispatchModule struct {
	manager *queue.Manager
	logger  log.Logger
}

func newDispatchModule(manager *queue.Manager, logger log.Logger) dispatchModule {
	return dispatchModule{manager: manager, logger: logger}
}

// ProvideCommand implements container.CommandProvider.
func (d dispatchModule) ProvideCommand(command *cobra.Command) {
	var (
		connection, queueName string
		delay                 time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dispatch [message]",
		Short: "Push a LogMessage job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := d.manager.
				Using(connection).
				On(queueName).
				Delay(delay).
				Push(context.Background(), &LogMessage{Message: args[0]})
			if err != nil {
				return err
			}
			_ = level.Info(d.logger).Log("msg", "job dispatched", "job", id)
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&connection, "connection", "c", "", "the connection to push to")
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "the queue to push to")
	cmd.Flags().DurationVar(&delay, "delay", 0, "postpone the job")
	command.AddCommand(cmd)
}
