/**
 * @description
 * This file sets up the HTTP router for the settlement service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * the middleware stack: request logging, panic recovery, timeouts, CORS, and
 * authentication per route group.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the user-facing endpoints.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the routing-level secrets and settings.
type RouterConfig struct {
	JWTSecret      string
	InternalAPIKey string
	AllowedOrigins []string
}

// SettlementRoutes creates and returns the router for the settlement service.
func SettlementRoutes(h *SettlementHandlers, webhook *WebhookHandler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Processor webhooks authenticate by signature, not by bearer token.
	r.Post("/webhooks/paystack", webhook.ServeHTTP)

	// User-facing endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Get("/banks", h.ListBanksHandler)

		r.Post("/recipients/bank-account", h.CreateBankRecipientHandler)
		r.Post("/recipients/authorization", h.CreateAuthorizationRecipientHandler)
		r.Get("/recipients", h.ListRecipientsHandler)
		r.Patch("/recipients/{recipientID}", h.UpdateRecipientHandler)
		r.Delete("/recipients/{recipientID}", h.DeactivateRecipientHandler)

		r.Get("/transfers/{transferID}", h.GetTransferStatusHandler)
	})

	// Service-to-service endpoints for the order subsystem.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

		r.Post("/internal/transfers", h.InitiateTransferHandler)
		r.Post("/internal/escrow", h.CreateEscrowHandler)
		r.Post("/internal/escrow/{escrowID}/fund", h.FundEscrowHandler)
		r.Post("/internal/escrow/{escrowID}/release", h.ReleaseEscrowHandler)
	})

	return r
}
