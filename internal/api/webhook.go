/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from the
 * payment processor. It is the entry point for asynchronous transfer outcomes.
 *
 * Key features:
 * - Security: Validates the HMAC signature of incoming webhooks against the
 *   raw request body before anything is parsed.
 * - De-duplication: Remembers recently processed event ids in Redis so webhook
 *   redelivery cannot apply the same event twice. When Redis is unavailable an
 *   in-process cache takes over.
 * - Routing: Transfer events are folded into the local transfer records; any
 *   other verified event is acknowledged and ignored.
 *
 * @dependencies
 * - encoding/json, io, log, net/http, sync, time: Standard Go libraries.
 * - github.com/redis/go-redis/v9: Shared de-duplication store.
 * - internal/app, internal/domain: Application logic and event models.
 */

package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tradepost/settlement-service/internal/app"
	"github.com/tradepost/settlement-service/internal/domain"
)

const webhookSignatureHeader = "x-paystack-signature"

// SignatureVerifier checks the authenticity of a raw webhook body. The
// processor gateway client provides the implementation.
type SignatureVerifier interface {
	VerifyWebhookSignature(body []byte, signatureHeader string) bool
}

// WebhookHandler processes incoming webhooks from the payment processor.
type WebhookHandler struct {
	service  *app.Service
	verifier SignatureVerifier
	redis    redis.UniversalClient
	ttl      time.Duration

	mu       sync.Mutex
	fallback map[string]time.Time
}

// NewWebhookHandler creates a new handler for the webhook endpoint. The redis
// client may be nil; de-duplication then degrades to the in-process cache.
func NewWebhookHandler(service *app.Service, verifier SignatureVerifier, redisClient redis.UniversalClient, dedupeTTL time.Duration) *WebhookHandler {
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	return &WebhookHandler{
		service:  service,
		verifier: verifier,
		redis:    redisClient,
		ttl:      dedupeTTL,
		fallback: make(map[string]time.Time),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if !h.verifier.VerifyWebhookSignature(body, r.Header.Get(webhookSignatureHeader)) {
		log.Printf("level=warn component=webhooks msg=\"webhook signature rejected\" remote_addr=%s", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event domain.ProcessorWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	if !strings.HasPrefix(event.Event, "transfer.") {
		// Verified but irrelevant to settlement; acknowledge so the processor
		// stops redelivering it.
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Event ignored"))
		return
	}

	if h.isDuplicateEvent(r.Context(), event.EventID()) {
		log.Printf("level=info component=webhooks msg=\"duplicate webhook ignored\" event_id=%s", event.EventID())
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Duplicate event ignored"))
		return
	}

	if err := h.service.ApplyProcessorTransferUpdate(r.Context(), event); err != nil {
		log.Printf("level=error component=webhooks msg=\"webhook processing failed\" event_id=%s err=%v", event.EventID(), err)
		// Non-2xx makes the processor redeliver; the event id has not been
		// marked processed yet so the retry will be accepted.
		h.forgetEvent(r.Context(), event.EventID())
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Event processed"))
}

// isDuplicateEvent marks the event id processed and reports whether it had
// been seen already.
func (h *WebhookHandler) isDuplicateEvent(ctx context.Context, eventID string) bool {
	if h.redis != nil {
		set, err := h.redis.SetNX(ctx, "webhook:processed:"+eventID, 1, h.ttl).Result()
		if err == nil {
			return !set
		}
		log.Printf("level=warn component=webhooks msg=\"redis dedupe unavailable; using in-process cache\" err=%v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	for id, seen := range h.fallback {
		if now.Sub(seen) > h.ttl {
			delete(h.fallback, id)
		}
	}
	if _, seen := h.fallback[eventID]; seen {
		return true
	}
	h.fallback[eventID] = now
	return false
}

// forgetEvent clears a processed marker after a handling failure so the
// processor's redelivery is not dropped as a duplicate.
func (h *WebhookHandler) forgetEvent(ctx context.Context, eventID string) {
	if h.redis != nil {
		if err := h.redis.Del(ctx, "webhook:processed:"+eventID).Err(); err == nil {
			return
		}
	}
	h.mu.Lock()
	delete(h.fallback, eventID)
	h.mu.Unlock()
}
