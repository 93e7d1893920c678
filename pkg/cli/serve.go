package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/interceptd/interceptd/pkg/callback"
	"github.com/interceptd/interceptd/pkg/config"
	"github.com/interceptd/interceptd/pkg/controller"
	"github.com/interceptd/interceptd/pkg/filter"
	"github.com/interceptd/interceptd/pkg/intercept"
	"github.com/interceptd/interceptd/pkg/logging"
	"github.com/interceptd/interceptd/pkg/options"
	"github.com/interceptd/interceptd/pkg/override"
	"github.com/interceptd/interceptd/pkg/proxy"
)

var (
	serveConfigPath string
	servePort       int
	serveCACert     string
	serveCAKey      string
	serveLogLevel   string
	serveLogFormat  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the interception proxy (foreground, Ctrl+C to stop)",
	Long: `Start the interception proxy. Point clients at it as an HTTP proxy;
configure interception at runtime via POST http://` + intercept.ControlHost + `/options/lock.
With a CA configured, HTTPS traffic is intercepted too; clients fetch the CA
certificate from GET /ca.pem on the control host.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Default()
		if serveConfigPath != "" {
			var err error
			cfg, err = config.Load(serveConfigPath)
			if err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = servePort
		}
		if cmd.Flags().Changed("ca-cert") {
			cfg.CACertPath = serveCACert
		}
		if cmd.Flags().Changed("ca-key") {
			cfg.CAKeyPath = serveCAKey
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = serveLogLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.LogFormat = serveLogFormat
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to YAML config file")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "port to listen on")
	serveCmd.Flags().StringVar(&serveCACert, "ca-cert", "", "CA certificate path (enables HTTPS interception)")
	serveCmd.Flags().StringVar(&serveCAKey, "ca-key", "", "CA private key path")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "text", "log format (text, json)")
}

func runServe(cfg config.Config) error {
	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
	})

	var ca *proxy.CAManager
	if cfg.CACertPath != "" {
		ca = proxy.NewCAManager(cfg.CACertPath, cfg.CAKeyPath)
		if err := ca.EnsureCA(); err != nil {
			return fmt.Errorf("setting up CA: %w", err)
		}
		log.Info("CA ready", "cert", cfg.CACertPath)
	}

	matcher := filter.NewExprMatcher()
	var dispatcherOpts []callback.Option
	if cfg.CallbackTimeout > 0 {
		dispatcherOpts = append(dispatcherOpts, callback.WithTimeout(time.Duration(cfg.CallbackTimeout)))
	}
	dispatcher := callback.NewDispatcher(matcher, log, dispatcherOpts...)
	engine := override.NewEngine(matcher, log)

	store := options.NewStore(log)
	intercept.RegisterOptions(store, dispatcher, engine)
	locks := options.NewLockManager(store, log)

	var caProvider controller.CAProvider
	if ca != nil {
		caProvider = ca
	}
	ctrl := controller.New(store, locks, caProvider, log)

	p := proxy.New(proxy.Options{
		Interceptor: intercept.New(engine, dispatcher),
		Control:     ctrl,
		CA:          ca,
		MaxBodySize: cfg.MaxBodySize,
		Logger:      log,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: p,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("proxy listening", "port", cfg.Port, "control_host", intercept.ControlHost)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
