// ABOUTME: Inbound webhook payload for the Z-API style messaging gateway
// ABOUTME: Validates and normalizes gateway events into the core message shape

package zapi

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rafaellewezukprestus/prestus-connect/internal/chat"
	"github.com/rafaellewezukprestus/prestus-connect/internal/store"
)

var validate = validator.New()

// WebhookBody carries exactly one content field; which one is set
// determines the message kind.
type WebhookBody struct {
	Text     string `json:"text,omitempty"`
	Image    string `json:"image,omitempty"`
	Document string `json:"document,omitempty"`
	Audio    string `json:"audio,omitempty"`
}

// WebhookPayload is the shape the gateway posts for every inbound message.
type WebhookPayload struct {
	InstanceID string      `json:"instanceId" validate:"required"`
	From       string      `json:"from" validate:"required"`
	To         string      `json:"to"`
	Message    WebhookBody `json:"message"`
	Timestamp  string      `json:"timestamp"`
	MessageID  string      `json:"messageId" validate:"required"`
}

// Validate checks required fields and that the payload carries content.
func (p *WebhookPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid webhook payload: %w", err)
	}
	if p.Message == (WebhookBody{}) {
		return fmt.Errorf("invalid webhook payload: empty message body")
	}
	return nil
}

// Normalize converts the gateway payload into the core's inbound shape.
func (p *WebhookPayload) Normalize() chat.Inbound {
	kind, body := contentKind(p.Message)

	ts := time.Now()
	if p.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
			ts = parsed
		}
	}

	return chat.Inbound{
		InstanceID: p.InstanceID,
		ContactID:  p.From,
		MessageID:  p.MessageID,
		To:         p.To,
		Body:       body,
		Kind:       kind,
		Timestamp:  ts,
	}
}

// contentKind maps the populated body field to a message kind. Text wins
// when the gateway redundantly sets more than one field.
func contentKind(b WebhookBody) (string, string) {
	switch {
	case b.Text != "":
		return store.KindText, b.Text
	case b.Image != "":
		return store.KindImage, b.Image
	case b.Document != "":
		return store.KindDocument, b.Document
	case b.Audio != "":
		return store.KindAudio, b.Audio
	default:
		return store.KindText, ""
	}
}

// DedupeKey identifies this gateway event for duplicate suppression across
// webhook retries.
func (p *WebhookPayload) DedupeKey() string {
	return p.InstanceID + "/" + p.MessageID
}
