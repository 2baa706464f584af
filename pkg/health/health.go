// Package health exposes liveness and readiness of the mailbox loops over HTTP.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// NewHandler returns a healthcheck handler. With a registerer, check results
// are also exported as a gauge.
func NewHandler(reg prometheus.Registerer) healthcheck.Handler {
	if reg == nil {
		return healthcheck.NewHandler()
	}
	return healthcheck.NewMetricsHandler(reg, "maskshm")
}

// ProgressCheck fails once last() is older than within. A loop that has not
// made progress yet is given within from start.
func ProgressCheck(last func() time.Time, within time.Duration, start time.Time) healthcheck.Check {
	return func() error {
		t := last()
		if t.IsZero() {
			t = start
		}
		if age := time.Since(t); age > within {
			return fmt.Errorf("no progress for %s (limit %s)", age.Truncate(time.Millisecond), within)
		}
		return nil
	}
}

// NewMux routes /live, /ready and, when metrics is not nil, /metrics.
func NewMux(h healthcheck.Handler, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/live", h.LiveEndpoint)
	mux.HandleFunc("/ready", h.ReadyEndpoint)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

// Serve runs an admin server on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, log *logrus.Entry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	return ServeListener(ctx, ln, handler, log)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener, handler http.Handler, log *logrus.Entry) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	log.WithField("addr", ln.Addr().String()).Info("admin server listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	return nil
}
