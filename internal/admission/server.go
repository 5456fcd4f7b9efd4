package admission

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aslitaser/k8s-sentinel/internal/config"
	"github.com/aslitaser/k8s-sentinel/internal/metrics"
)

// maxRequestBytes caps the body of an incoming AdmissionReview at 2 MiB.
const maxRequestBytes = 2 << 20

// Router builds the TLS webhook surface's route table: POST /validate and
// POST /mutate, body size capped at maxRequestBytes. chi's middleware.Recoverer
// is deliberately not installed here: a generic recoverer would answer a
// bare HTTP 500 instead of the allow-with-warning AdmissionReview the
// fail-open boundary in Pipeline.evaluate already produces.
func (p *Pipeline) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestSize(maxRequestBytes))
	r.Post("/validate", p.HandleValidate)
	r.Post("/mutate", p.HandleMutate)
	return r
}

// AuxRouter builds the plaintext auxiliary surface: /healthz, /readyz, and
// /metrics.
func AuxRouter(m *metrics.Metrics, ready *atomic.Bool) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	return r
}

// Run starts the TLS webhook surface and the plaintext auxiliary surface,
// flips ready once the TLS listener is accepting, and blocks until ctx is
// canceled or either server fails. On shutdown, both servers are drained
// via http.Server.Shutdown before Run returns.
func Run(ctx context.Context, cfg *config.Config, pipeline *Pipeline, aux http.Handler, ready *atomic.Bool, log logr.Logger) error {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		return fmt.Errorf("admission: loading TLS material: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}

	tlsServer := &http.Server{Handler: pipeline.Router(), TLSConfig: tlsConfig}
	auxServer := &http.Server{Addr: cfg.MetricsAddress, Handler: aux}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ln, err := net.Listen("tcp", cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("admission: binding %s: %w", cfg.ListenAddress, err)
		}
		tlsLn := tls.NewListener(ln, tlsConfig)
		ready.Store(true)
		log.Info("webhook surface listening", "address", cfg.ListenAddress)
		if err := tlsServer.Serve(tlsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Info("auxiliary surface listening", "address", cfg.MetricsAddress)
		if err := auxServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(tlsServer.Shutdown(shutdownCtx), auxServer.Shutdown(shutdownCtx))
	})

	return g.Wait()
}
