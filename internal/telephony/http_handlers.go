package telephony

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"outbound-voice/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	headerSignature = "telnyx-signature-ed25519"
	headerTimestamp = "telnyx-timestamp"
	maxWebhookBody  = 1 << 20
)

// Ack is the dispatcher's answer to one event. It never changes the HTTP status
// returned to the provider.
type Ack struct {
	Handled bool
	Reason  string
}

// EventSink consumes parsed webhook events.
type EventSink interface {
	Handle(ctx context.Context, ev Event) Ack
}

// AudioSink consumes forked call audio.
type AudioSink interface {
	Feed(providerCallID string, audio []byte) error
}

// WebhookHandler converts provider webhooks to Events and hands them to the sink.
//
// The provider retries on any non-2xx, so once a request is authentic it is always
// acknowledged with 200, including when parsing or processing fails.
type WebhookHandler struct {
	Sink     EventSink
	Verifier *SignatureVerifier

	// Timeout bounds synchronous processing; the work is detached from the request.
	Timeout time.Duration
	Now     func() time.Time
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Timeout <= 0 {
		h.Timeout = 15 * time.Second
	}
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "webhook sink not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		log.Warn("webhook body read failed", "err", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := h.Verifier.Verify(body, c.GetHeader(headerSignature), c.GetHeader(headerTimestamp), h.Now()); err != nil {
		log.Warn("webhook signature rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		log.Warn("webhook parse failed", "err", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.Timeout)
	defer cancel()
	ack := h.Sink.Handle(ctx, ev)

	log.Debug("webhook processed", "event", ev.Type, "provider_call_id", ev.ProviderCallID,
		"handled", ack.Handled, "reason", ack.Reason)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// MediaHandler accepts forked call audio, either as single JSON frames over HTTP
// or as a websocket media stream.
type MediaHandler struct {
	Sink     AudioSink
	Upgrader websocket.Upgrader
}

// HandleFrame accepts one posted frame. It always answers 200.
func (h *MediaHandler) HandleFrame(c *gin.Context) {
	log := logger.FromGin(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.Status(http.StatusOK)
		return
	}
	f, err := ParseMediaFrame(body)
	if err != nil {
		log.Debug("media frame ignored", "err", err)
		c.Status(http.StatusOK)
		return
	}
	h.feed(log, f.ProviderCallID, f.Audio)
	c.Status(http.StatusOK)
}

// HandleStream upgrades to a websocket and forwards frames until the provider stops.
func (h *MediaHandler) HandleStream(c *gin.Context) {
	log := logger.FromGin(c)

	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("media stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	var providerCallID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("media stream closed", "provider_call_id", providerCallID, "err", err)
			}
			return
		}
		f, err := ParseMediaFrame(msg)
		if err != nil {
			log.Debug("media frame ignored", "err", err)
			continue
		}
		if f.ProviderCallID != "" {
			providerCallID = f.ProviderCallID
		}
		switch f.Event {
		case MediaEventStart:
			log.Debug("media stream started", "provider_call_id", providerCallID, "stream_id", f.StreamID)
		case MediaEventStop:
			return
		case MediaEventMedia:
			h.feed(log, providerCallID, f.Audio)
		}
	}
}

func (h *MediaHandler) feed(log *slog.Logger, providerCallID string, audio []byte) {
	if h.Sink == nil || providerCallID == "" || len(audio) == 0 {
		return
	}
	// Frames that race a stopped session are expected and dropped.
	if err := h.Sink.Feed(providerCallID, audio); err != nil {
		log.Debug("media frame dropped", "provider_call_id", providerCallID, "err", err)
	}
}
