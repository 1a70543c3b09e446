package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"ms-checkin/internal/auth"
	"ms-checkin/internal/checkin"
	"ms-checkin/internal/checkin/checkin_api"
	checkindb "ms-checkin/internal/checkin/db"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/printjob"
	"ms-checkin/internal/printjob/printjob_api"
	"ms-checkin/internal/telemetry"
	"ms-checkin/internal/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the check-in HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, "checkin-api")
	if err != nil {
		return err
	}
	defer a.Close()

	shutdownTracer, err := telemetry.InitTracer(ctx, a.cfg.Telemetry, a.cfg.AppEnv)
	if err != nil {
		a.log.Warn("OTEL", fmt.Sprintf("Tracing disabled: %v", err))
	} else {
		defer shutdownTracer(context.Background())
	}

	verifier, err := auth.NewVerifier(ctx, a.cfg.Auth.OIDCIssuer)
	if err != nil {
		return err
	}

	pub, err := a.feedPublisher(ctx)
	if err != nil {
		return err
	}

	tickets := ticketStore(a.db)
	jobs := jobStore(a.db)

	svc := checkin.NewService(tickets, &checkindb.DB{Bun: a.db}, jobs, a.log)
	svc.Feed = pub
	svc.Events = a.events(ctx)
	svc.CheckinTopic = a.cfg.Kafka.Topics.CheckinAccepted

	queue := printjob.NewQueue(jobs, tickets, blobStore(a.cfg), pub, a.log)

	r := newRouter(a.db, verifier, checkin_api.NewHandler(svc, a.log), printjob_api.NewHandler(queue, a.log), a.log)

	server := &http.Server{
		Addr:         a.cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("HTTP", fmt.Sprintf("🚀 Check-in API running on %s", a.cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		a.log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
		return err
	}
	a.log.Info("HTTP", "✅ Check-in API shutdown complete")
	return nil
}

func newRouter(db *bun.DB, verifier auth.Verifier, checkins *checkin_api.Handler, jobs *printjob_api.Handler, log *logger.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("database unavailable"))
			return
		}
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ok", nil))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, log))
		checkins.Routes(r)
		jobs.Routes(r)
	})
	log.Info("ROUTER", "Routes registered: POST /checkin, /tickets/{ticketId}/print-jobs, /print-jobs/{jobId}")
	return r
}
