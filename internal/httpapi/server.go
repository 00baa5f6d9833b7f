package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger observability.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		BaseContext:       func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		Handler:           handler,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", srv.Addr))
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-srvErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
