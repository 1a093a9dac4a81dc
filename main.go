package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mailqueue/api"
	"mailqueue/delivery"
	"mailqueue/health"
	"mailqueue/internal/audit"
	"mailqueue/internal/config"
	"mailqueue/internal/logging"
	"mailqueue/queue"
	"mailqueue/tlsconfig"
)

var errShuttingDown = errors.New("shutting down")

type rootOptions struct {
	configPath string
	envFile    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "mailqueue",
		Short:         "Rate-limited outbound email queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Path to a .env file (default: .env if present)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the producer API and the dispatch queue",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), opts)
			},
		},
		newSendTestCommand(opts),
	)
	return root
}

// loadConfig applies the .env file before reading configuration so its
// values behave like ordinary environment variables.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", opts.envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return config.Load(opts.configPath)
}

func queueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		PacingDelay:   cfg.Queue.PacingDelay,
		RetryDelay:    cfg.Queue.RetryDelay,
		MaxRetries:    cfg.Queue.MaxRetries,
		SendTimeout:   cfg.Queue.SendTimeout,
		DefaultSender: cfg.Mail.From,
	}
}

func apiOptions(cfg *config.Config, transport string) api.Options {
	rl := api.DefaultRateLimitConfig()
	rl.Rate = cfg.HTTP.Rate
	rl.Burst = cfg.HTTP.Burst
	return api.Options{
		Debug:         cfg.Debug,
		Transport:     transport,
		AdminToken:    cfg.HTTP.AdminToken,
		AllowNetworks: config.ParseNetworks(cfg.HTTP.AllowNetworks),
		RateLimit:     rl,
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()
	audit.Configure(log, cfg.AuditLog)

	transport, err := delivery.New(cfg, log)
	if err != nil {
		return fmt.Errorf("configure transport: %w", err)
	}
	transportName := delivery.NameOf(transport)
	mgr := queue.NewManager(transport, log, queueOptions(cfg))

	tlsConf, err := tlsconfig.LoadTLSConfig(cfg.HTTP.TLSCert, cfg.HTTP.TLSKey)
	if err != nil {
		return fmt.Errorf("load API TLS: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTP.Addr, err)
	}

	var shuttingDown atomic.Bool
	healthSrv, _, err := health.StartHealthServer(cfg.Health.Addr, func() error {
		if shuttingDown.Load() {
			return errShuttingDown
		}
		return nil
	}, log)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("start health server: %w", err)
	}

	srv := api.NewServer(logger, mgr, apiOptions(cfg, transportName))
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln, tlsConf) }()

	log.Infow("Mail queue service started",
		"transport", transportName,
		"httpAddr", ln.Addr().String(),
		"healthAddr", cfg.Health.Addr)

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			log.Errorw("API server failed", "error", err)
		}
	}
	shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.SendTimeout+5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warnw("API shutdown", "error", serr)
	}
	if qerr := mgr.Shutdown(shutdownCtx); qerr != nil {
		log.Warnw("Queue shutdown", "error", qerr)
	}
	if herr := healthSrv.Shutdown(shutdownCtx); herr != nil {
		log.Warnw("Health server shutdown", "error", herr)
	}
	return err
}

func newSendTestCommand(opts *rootOptions) *cobra.Command {
	var to, subject string
	cmd := &cobra.Command{
		Use:   "send-test",
		Short: "Send one message through the configured transport, bypassing the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			transport, err := delivery.New(cfg, logger.Sugar())
			if err != nil {
				return fmt.Errorf("configure transport: %w", err)
			}
			return sendTest(cmd.Context(), transport, cfg, to, subject, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Recipient address")
	cmd.Flags().StringVar(&subject, "subject", "Test email", "Subject line")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func sendTest(ctx context.Context, transport delivery.Transport, cfg *config.Config, to, subject string, out io.Writer) error {
	timeout := cfg.Queue.SendTimeout
	if timeout <= 0 {
		timeout = queue.DefaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, err := transport.Send(ctx, delivery.Message{
		From:    cfg.Mail.From,
		To:      to,
		Subject: subject,
		HTML:    fmt.Sprintf("<p>Test email sent at %s via %s.</p>", time.Now().UTC().Format(time.RFC3339), delivery.NameOf(transport)),
	})
	if err != nil {
		return fmt.Errorf("send test email: %w", err)
	}
	fmt.Fprintf(out, "sent %s\n", id)
	return nil
}
