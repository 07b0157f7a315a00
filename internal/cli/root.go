package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/comfygen/comfygen/client"
	"github.com/comfygen/comfygen/config"
	"github.com/comfygen/comfygen/metrics"
	"github.com/comfygen/comfygen/workflow"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	EnvFile     string
	Server      string
	MetricsAddr string
	Verbose     bool
}

// NewRootCommand creates the root command for the comfygen CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "comfygen",
		Short: "Run ComfyUI workflows from the command line",
		Long: `comfygen fills the parameters of a ComfyUI API-format workflow, submits it,
reports live progress and saves the images the backend produces.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "comfygen.yaml", "path to the YAML configuration")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "optional dotenv file loaded before the configuration")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "backend address, overrides the configuration")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewGenerateCommand(opts))
	cmd.AddCommand(NewPlusCommand(opts))
	cmd.AddCommand(NewImg2ImgCommand(opts))
	cmd.AddCommand(NewUpscaleCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewPromptCommand(opts))

	return cmd
}

// runtime is everything a command needs to talk to the backend
type runtime struct {
	cfg     *config.Config
	log     *logrus.Logger
	metrics *metrics.Registry
	client  *client.ComfyClient
	stop    func()
}

// setup loads the configuration and builds the logger, metrics and client.
// The returned context is cancelled on SIGINT or SIGTERM.
func setup(cmd *cobra.Command, opts *RootOptions) (context.Context, *runtime, error) {
	configPath := opts.ConfigPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath, opts.EnvFile)
	if err != nil {
		return nil, nil, err
	}
	if opts.Server != "" {
		cfg.Server.Address = opts.Server
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := config.NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}

	reg := metrics.DefaultRegistry()
	c, err := client.NewComfyClient(cfg.Server.Address,
		client.WithLogger(logger),
		client.WithMetrics(reg),
		client.WithConnectRetries(cfg.Server.ConnectRetries, cfg.Server.RetryBaseDelay, cfg.Server.RetryMaxDelay),
		client.WithHandshakeTimeout(cfg.Server.HandshakeTimeout),
		client.WithQueueTimeout(cfg.Server.QueueTimeout),
	)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	rt := &runtime{cfg: cfg, log: logger, metrics: reg, client: c, stop: cancel}

	if opts.MetricsAddr != "" {
		shutdown, err := serveMetrics(opts.MetricsAddr, reg, logger)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		rt.stop = func() {
			shutdown()
			cancel()
		}
	}
	return ctx, rt, nil
}

// generator builds a workflow generator from the configured workflows
func (rt *runtime) generator() (*workflow.Generator, error) {
	workflows := make(map[workflow.Kind]workflow.Workflow, len(rt.cfg.Workflows))
	for name, w := range rt.cfg.Workflows {
		workflows[workflow.Kind(name)] = workflow.Workflow{
			Template: w.Template,
			Roles:    w.Roles(),
		}
	}
	return workflow.NewGenerator(rt.client, workflows,
		workflow.WithLogger(rt.log),
		workflow.WithMetrics(rt.metrics),
		workflow.WithSeamFixNode(rt.cfg.Upscale.SeamFixNode),
		workflow.WithJobTimeout(rt.cfg.Server.JobTimeout),
		workflow.WithStatusTimeouts(rt.cfg.Server.StatusTimeout, rt.cfg.Server.StatusGrace),
	)
}

func serveMetrics(addr string, reg *metrics.Registry, log logrus.FieldLogger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	log.WithField("addr", ln.Addr().String()).Info("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
