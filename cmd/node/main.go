// Command node runs a Synnergy PoS node: the dual-store chain, mempool,
// block production, sync engine, and event propagation wired behind one
// HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	pkgconfig "synnergy-network/pkg/config"
)

func main() {
	env := flag.String("env", "", "configuration environment overlay (cmd/config/<env>.yaml)")
	listenOverride := flag.String("listen", "", "override network.listen_addr")
	flag.Parse()

	cfg, err := pkgconfig.Load(*env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *listenOverride != "" {
		cfg.Network.ListenAddr = *listenOverride
	}

	log := logrus.StandardLogger()
	if lv, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lv)
	}

	n, err := newNode(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize node")
	}
	defer n.close()

	n.lifecycle.FullHealth(context.Background(), 0, 0)
	n.startBackgroundWorkers()

	srv := &http.Server{
		Addr:              cfg.Network.ListenAddr,
		Handler:           n.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Network.ListenAddr).Info("node HTTP surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down: draining event bus, flushing chain index")

	n.stopBackgroundWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown did not complete cleanly")
	}
}

func (n *node) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", n.handleHealth)
	r.Get("/status", n.handleStatus)
	r.Post("/node/status-update", n.handleStatusUpdate)

	r.Post("/transaction", n.handleSubmitTx)

	r.Post("/sync/events", n.handleEvent)
	r.Post("/sync/range", n.handleSyncRange)
	r.Get("/sync/snapshot", n.handleSnapshot)
	r.Get("/sync/headers", n.handleHeaders)
	r.Post("/sync/fork_check", n.handleForkCheck)
	r.Get("/block", n.handleBlock)

	r.Handle("/metrics", promhttp.Handler())
	return r
}
