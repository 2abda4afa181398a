package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/databox/config"
	"github.com/isdmx/databox/dispatch"
	"github.com/isdmx/databox/logger"
	"github.com/isdmx/databox/monitor"
	"github.com/isdmx/databox/pipeline"
	"github.com/isdmx/databox/policy"
	"github.com/isdmx/databox/sandbox"
	"github.com/isdmx/databox/store"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process that claims and executes jobs",
	Run: func(cmd *cobra.Command, args []string) {
		app := fx.New(
			fx.Provide(
				func() *config.Config { return cfg },
				func() *store.Store { return st },

				logger.NewFromConfig,

				func(c *config.Config) (*policy.Validator, error) {
					pol, err := policy.Load(c.Policy.Path)
					if err != nil {
						return nil, err
					}
					return policy.NewValidator(pol), nil
				},

				func(log *zap.Logger, c *config.Config) *monitor.Monitor {
					return monitor.New(log, c.Monitor.SampleInterval)
				},

				func(log *zap.Logger, c *config.Config, mon *monitor.Monitor) (sandbox.Executor, error) {
					return sandbox.NewExecutor(log, &sandbox.Config{
						Backend:    c.Sandbox.Backend,
						PythonBin:  c.Sandbox.PythonBin,
						Image:      c.Sandbox.Image,
						ScratchDir: c.Sandbox.ScratchDir,
					}, mon)
				},

				func(log *zap.Logger, c *config.Config, s *store.Store, exec sandbox.Executor) *pipeline.Runner {
					return pipeline.New(log, s, exec, pipeline.Config{
						ChunkRows:     int64(c.Pipeline.ChunkRows),
						Parallelism:   c.Pipeline.Parallelism,
						Timeout:       c.Timeout(),
						MemoryBytes:   c.MemoryBytes(),
						MaxOutputRows: c.Sandbox.MaxOutputRows,
					})
				},

				func(log *zap.Logger, c *config.Config, s *store.Store, v *policy.Validator, r *pipeline.Runner) *dispatch.Dispatcher {
					return dispatch.New(log, s, v, r, dispatch.Config{
						MaxConcurrentJobs: c.Worker.MaxConcurrentJobs,
						PollInterval:      c.Worker.PollInterval,
						Lease:             c.Worker.Lease,
						Heartbeat:         c.Worker.Heartbeat,
					})
				},
			),

			fx.Invoke(func(lc fx.Lifecycle, d *dispatch.Dispatcher, log *zap.Logger) {
				runCtx, cancel := context.WithCancel(context.Background())
				done := make(chan struct{})
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						go func() {
							defer close(done)
							if err := d.Run(runCtx); err != nil {
								log.Error("dispatcher exited", zap.Error(err))
							}
						}()
						return nil
					},
					OnStop: func(context.Context) error {
						cancel()
						<-done
						return nil
					},
				})
			}),

			fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
				return &fxevent.ZapLogger{Logger: log}
			}),
		)

		app.Run()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
