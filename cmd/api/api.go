package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/prolinkhq/prolink-server/service/appointment"
	"github.com/prolinkhq/prolink-server/service/availability"
	"github.com/prolinkhq/prolink-server/service/conversation"
	"github.com/prolinkhq/prolink-server/service/ledger"
	"github.com/prolinkhq/prolink-server/service/metrics"
	"github.com/prolinkhq/prolink-server/service/notifications"
	"github.com/prolinkhq/prolink-server/service/payment"
	"github.com/prolinkhq/prolink-server/service/user"
	"github.com/prolinkhq/prolink-server/service/webhook"
)

type APIServer struct {
	addr   string
	db     *gorm.DB
	logger zerolog.Logger
}

func NewAPIServer(addr string, db *gorm.DB) *APIServer {
	return &APIServer{
		addr:   addr,
		db:     db,
		logger: zerolog.New(os.Stdout).With().Timestamp().Str("component", "api").Logger(),
	}
}

// Handler builds the full route tree. Separated from Run so tests can
// mount it on an httptest server.
func (s *APIServer) Handler() http.Handler {
	router := mux.NewRouter()

	// Registered on the router, not around it, so the recorder sees the
	// matched route and can sample by path template.
	recorder := metrics.NewRecorder(metrics.DefaultCapacity)
	router.Use(recorder.Middleware)

	subrouter := router.PathPrefix("/api/v1").Subrouter()

	user.NewHandler(s.db).RegisterRoutes(subrouter)
	conversation.NewHandler(s.db).RegisterRoutes(subrouter)
	availability.NewAvailabilityHandler(s.db).RegisterRoutes(subrouter)
	appointment.NewAppointmentHandler(s.db).RegisterRoutes(subrouter)
	ledger.NewLedgerHandler(s.db).RegisterRoutes(subrouter)
	payment.NewPaymentHandler(s.db).RegisterRoutes(subrouter)
	webhook.NewWebhookHandler(s.db).RegisterRoutes(subrouter)
	notifications.NewNotificationHandler(s.db).RegisterRoutes(subrouter)
	metrics.NewHandler(recorder).RegisterRoutes(subrouter)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")

	corsHandler := gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins([]string{"*"}),
		gorillaHandlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		gorillaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Gateway-Signature"}),
	)

	handler := s.requestLogger(router)
	handler = gorillaHandlers.RecoveryHandler()(handler)
	return corsHandler(handler)
}

func (s *APIServer) Run() error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("listening")
		errs <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case sig := <-stop:
		s.logger.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

func (s *APIServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
