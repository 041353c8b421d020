package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcoord/internal/app"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Server struct {
	app    *app.App
	router *chi.Mux
}

func NewServer(a *app.App) *Server {
	s := &Server{app: a}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stats", s.stats)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	r.Route("/devices", func(r chi.Router) {
		r.Get("/", s.listDevices)
		r.Route("/{device}/capabilities/{capability}/{cluster}", func(r chi.Router) {
			r.Get("/", s.getCapability)
			r.Post("/", s.setCapability)
			r.Post("/refresh", s.refreshCapability)
		})
	})

	s.router = r
	return s
}

// Handler returns the router wrapped in the server middleware.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		requestIDHandler,
		realIPHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool {
			return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
		}),
		recoverHandler,
		corsHandler,
	)
}

// Run serves on port until SIGINT or SIGTERM, then drains in-flight
// requests and queued coordinator tasks.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server forced to shutdown")
		}
		if err := s.app.Close(ctx); err != nil {
			log.Error().Err(err).Msg("failed to close coordinator")
		}

		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to listen and serve")
	}

	<-done
	log.Info().Msg("Server stopped")
}
