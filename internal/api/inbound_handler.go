package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/onetool-io/mailingest/internal/database"
	"github.com/onetool-io/mailingest/internal/email/inbound/postmaster"
	"github.com/onetool-io/mailingest/internal/logging"
	"github.com/onetool-io/mailingest/internal/mailqueue"
	"github.com/onetool-io/mailingest/internal/middleware"
	"github.com/onetool-io/mailingest/internal/models"
)

const maxWebhookBody = 1 << 20

// InboundHandler receives inbound-email webhooks.
type InboundHandler struct {
	ingestor postmaster.Handler
	queue    mailqueue.Queue
	verifier *SignatureVerifier
	logger   logrus.FieldLogger
}

// NewInboundHandler creates the handler. With a non-nil queue events are queued
// and acknowledged with 202 instead of being ingested inline. A nil verifier
// disables signature checks.
func NewInboundHandler(ingestor postmaster.Handler, queue mailqueue.Queue, verifier *SignatureVerifier, logger logrus.FieldLogger) *InboundHandler {
	if logger == nil {
		logger = logging.Log
	}
	return &InboundHandler{ingestor: ingestor, queue: queue, verifier: verifier, logger: logger}
}

// HandleInboundEmail handles POST /api/v1/webhooks/inbound-email.
func (h *InboundHandler) HandleInboundEmail(c *gin.Context) {
	requestID := middleware.GetRequestID(c)
	log := h.logger.WithField("request_id", requestID)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, rejected("payload too large"))
			return
		}
		c.JSON(http.StatusBadRequest, rejected("failed to read body"))
		return
	}

	if h.verifier != nil {
		err := h.verifier.Verify(
			c.GetHeader(HeaderWebhookID),
			c.GetHeader(HeaderWebhookTimestamp),
			c.GetHeader(HeaderWebhookSignature),
			body,
		)
		if err != nil {
			log.WithError(err).Warn("rejected webhook with invalid signature")
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid signature"})
			return
		}
	}

	event, eventType, err := DecodeEvent(body)
	if err != nil {
		log.WithError(err).Warn("undecodable webhook payload")
		c.JSON(http.StatusBadRequest, rejected(err.Error()))
		return
	}
	if eventType != "" && eventType != models.WebhookEventEmailReceived {
		log.WithField("type", eventType).Debug("ignoring webhook event")
		c.JSON(http.StatusOK, gin.H{"success": true, "ignored": true, "type": eventType})
		return
	}

	log = log.WithField("email_id", event.EmailID)
	if h.queue != nil {
		item := &mailqueue.Item{Event: *event, RequestID: requestID}
		if err := h.queue.Enqueue(c.Request.Context(), item); err != nil {
			log.WithError(err).Error("failed to queue inbound event")
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"success": true, "queued": true})
		return
	}

	res := h.ingestor.Ingest(c.Request.Context(), event)
	c.JSON(StatusFor(res), res)
}

// DecodeEvent accepts either the provider envelope {"type", "data"} or a bare
// event. The returned type is empty for bare events.
func DecodeEvent(body []byte) (*models.InboundEvent, string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, "", errors.New("empty payload")
	}

	var envelope models.WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", fmt.Errorf("invalid JSON: %w", err)
	}

	payload := body
	if envelope.Type != "" || len(envelope.Data) > 0 {
		if envelope.Type != models.WebhookEventEmailReceived {
			return nil, envelope.Type, nil
		}
		payload = envelope.Data
	}

	var event models.InboundEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, envelope.Type, fmt.Errorf("invalid event: %w", err)
	}
	if event.EmailID == "" {
		return nil, envelope.Type, errors.New("event has no emailId")
	}
	return &event, envelope.Type, nil
}

// StatusFor maps a result to the HTTP status returned to the provider. Mail that
// can never be delivered is acknowledged so it is not redelivered, and a lost
// database connection answers 503 so that it is.
func StatusFor(res postmaster.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Reason {
	case postmaster.ReasonOrgNotFound, postmaster.ReasonUnknownSender:
		return http.StatusOK
	case postmaster.ReasonMalformedInput:
		return http.StatusBadRequest
	case postmaster.ReasonContentFetch:
		return http.StatusBadGateway
	case postmaster.ReasonInFlight:
		return http.StatusConflict
	}
	if database.IsConnectionError(res.Err()) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func rejected(msg string) postmaster.Result {
	return postmaster.NewFailure(postmaster.StateReceived, fmt.Errorf("%w: %s", postmaster.ErrMalformedInput, msg))
}
