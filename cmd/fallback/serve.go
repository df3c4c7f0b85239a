package main

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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fallback/internal/fallback"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy and the admin endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := fallback.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := fallback.NewLogger(cfg.Logging.Level, os.Stdout)

	svc, err := fallback.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	proxy, err := listen(cfg.Server.Port, svc.Handler())
	if err != nil {
		return err
	}
	admin, err := listen(cfg.Server.AdminPort, svc.AdminHandler())
	if err != nil {
		_ = proxy.ln.Close()
		return err
	}

	logger.Info().
		Str("addr", proxy.ln.Addr().String()).
		Str("admin", admin.ln.Addr().String()).
		Str("origin", cfg.Server.Origin).
		Msg("fallback listening")

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range []server{proxy, admin} {
		g.Go(func() error {
			if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", s.ln.Addr(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Observers hold hijacked connections that Shutdown does not close.
		svc.Hub().Close()
		return errors.Join(proxy.srv.Shutdown(shutdownCtx), admin.srv.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	logger.Info().Msg("fallback stopped")
	return err
}

type server struct {
	srv *http.Server
	ln  net.Listener
}

func listen(port int, h http.Handler) (server, error) {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return server{}, fmt.Errorf("listen %s: %w", addr, err)
	}
	return server{
		srv: &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second},
		ln:  ln,
	}, nil
}
