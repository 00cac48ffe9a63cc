/**
 * @description
 * This file defines the shapes of inbound processor webhook events and the
 * outbound events published for the notification collaborator.
 */

package domain

import (
	"github.com/google/uuid"
)

// Webhook event names emitted by the processor for transfers.
const (
	WebhookEventTransferSuccess  = "transfer.success"
	WebhookEventTransferFailed   = "transfer.failed"
	WebhookEventTransferReversed = "transfer.reversed"
)

// ProcessorWebhookEvent is the decoded payload of a processor webhook. Only the
// fields this service acts on are modeled; everything else is ignored.
type ProcessorWebhookEvent struct {
	Event string              `json:"event"`
	Data  ProcessorWebhookData `json:"data"`
}

// ProcessorWebhookData carries the transfer identifiers and status from a
// webhook event body.
type ProcessorWebhookData struct {
	ID           int64  `json:"id"`
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
	Message      string `json:"message"`
}

// EventID is a stable identifier for webhook de-duplication. The processor does
// not send a dedicated event id, so the (event, transfer_code) pair is used.
func (e ProcessorWebhookEvent) EventID() string {
	return e.Event + ":" + e.Data.TransferCode
}

// PayoutStatusEvent is published to the notification collaborator whenever a
// transfer reaches a status worth alerting on.
type PayoutStatusEvent struct {
	TransferID      uuid.UUID `json:"transfer_id"`
	Reference       string    `json:"reference"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	RecipientUserID uuid.UUID `json:"recipient_user_id"`
	FailureReason   *string   `json:"failure_reason,omitempty"`
}
