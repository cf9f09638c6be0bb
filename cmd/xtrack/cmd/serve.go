package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xtrack/adapter/redisstream"
	"github.com/trickstertwo/xtrack/adapter/websocket"
	"github.com/trickstertwo/xtrack/query"
)

const (
	shutdownTimeout = 10 * time.Second
	queryTimeout    = 30 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	var (
		redis bool
		ws    bool
		path  string
	)
	c := &cobra.Command{
		Use:   "serve",
		Short: "Answer remote queries from the local store",
		Long: `Serve queries against the configured store over Redis Streams (a
consumer group on XTRACK_REDIS_REQUEST_STREAM) and/or WebSocket
(XTRACK_WS_LISTEN). Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !redis && !ws {
				return errors.New("serve: enable at least one of --redis or --websocket")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openStore(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			mws := []query.Middleware{query.RecoveryMiddleware(), query.TimeoutMiddleware(queryTimeout)}
			var closers []func(context.Context) error

			if redis {
				r, err := redisstream.NewResponder(redisConfig(a.cfg, a.logger), s,
					redisstream.WithResponderMiddleware(mws...))
				if err != nil {
					return err
				}
				if err := r.Start(ctx); err != nil {
					_ = r.Close(context.Background())
					return err
				}
				closers = append(closers, r.Close)
				a.logger.Info().Str("addr", a.cfg.Redis.Addr).Str("stream", a.cfg.Redis.RequestStream).Msg("serving redis streams")
			}

			srvErr := make(chan error, 1)
			if ws {
				h := websocket.NewHandler(s,
					websocket.WithToken(a.cfg.WebSocket.Token),
					websocket.WithHandlerLogger(a.logger),
					websocket.WithHandlerMiddleware(mws...),
				)
				mux := http.NewServeMux()
				mux.Handle(path, h)
				srv := &http.Server{
					Addr:              a.cfg.WebSocket.Listen,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						srvErr <- err
					}
				}()
				closers = append(closers, func(ctx context.Context) error {
					h.Close()
					return srv.Shutdown(ctx)
				})
				a.logger.Info().Str("listen", a.cfg.WebSocket.Listen).Str("path", path).Msg("serving websocket")
			}

			select {
			case <-ctx.Done():
				err = nil
			case err = <-srvErr:
			}

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			errs := []error{err}
			for i := len(closers) - 1; i >= 0; i-- {
				errs = append(errs, closers[i](sctx))
			}
			return errors.Join(errs...)
		},
	}
	c.Flags().BoolVar(&redis, "redis", false, "consume requests from Redis Streams")
	c.Flags().BoolVar(&ws, "websocket", true, "accept WebSocket connections")
	c.Flags().StringVar(&path, "path", "/xtrack", "HTTP path of the WebSocket endpoint")
	return c
}
