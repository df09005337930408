// Command fastpy-queue runs the queue workers and the queue maintenance
// commands of a fastpy application.
//
//  FASTPY_QUEUE_CONFIG=config.yaml fastpy-queue queue work --connection redis
package main

import (
	"net/http"
	"os"

	queue "github.com/vutia-ent/fastpy-queue"

	"github.com/DoNewsCode/core"
	"github.com/DoNewsCode/core/contract"
	"github.com/DoNewsCode/core/di"
	"github.com/DoNewsCode/core/otredis"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	configFile := os.Getenv("FASTPY_QUEUE_CONFIG")
	if configFile == "" {
		configFile = "config.yaml"
	}

	c := core.New(core.WithYamlFile(configFile))
	defer c.Shutdown()

	c.ProvideEssentials()
	c.Provide(otredis.Providers())
	c.Provide(queue.Providers(queue.WithRegistry(newRegistry())))
	c.Provide(di.Deps{
		func(appName contract.AppName, env contract.Env) queue.Gauge {
			return prometheus.NewGaugeFrom(
				stdprometheus.GaugeOpts{
					Namespace: appName.String(),
					Subsystem: env.String(),
					Name:      "queue_length",
					Help:      "The gauge of queue length",
				}, []string{"connection", "queue", "channel"},
			)
		},
		func(appName contract.AppName, env contract.Env) queue.Counter {
			return prometheus.NewCounterFrom(
				stdprometheus.CounterOpts{
					Namespace: appName.String(),
					Subsystem: env.String(),
					Name:      "queue_processed_jobs_total",
					Help:      "The number of processed jobs by outcome",
				}, []string{"connection", "queue", "status"},
			)
		},
	})
	c.AddModuleFunc(queue.New)
	c.AddModuleFunc(newDispatchModule)

	var metricsAddr string
	rootCmd := &cobra.Command{
		Use:   "fastpy-queue",
		Short: "Background job queue of fastpy applications",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if metricsAddr == "" {
				return
			}
			c.Invoke(func(logger log.Logger) {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						_ = level.Error(logger).Log("msg", "metrics server stopped", "err", err)
					}
				}()
			})
		},
	}
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")

	c.ApplyRootCommand(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
