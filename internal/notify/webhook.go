package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

// Webhook posts status changes to an external endpoint, typically the crew
// or hospital backend. Position updates are not forwarded.
type Webhook struct {
	Endpoint string
	Token    string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewWebhook(endpoint, token string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{Endpoint: endpoint, Token: token, Client: &http.Client{Timeout: 3 * time.Second}, Logger: logger}
}

func (w *Webhook) Post(ctx context.Context, e models.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", w.Endpoint, resp.StatusCode)
	}
	return nil
}

func (w *Webhook) Emit(e models.Event) {
	if e.Type == models.EventPositionUpdated {
		return
	}
	if err := w.Post(context.Background(), e); err != nil {
		observability.EventsDropped.WithLabelValues("webhook").Inc()
		w.Logger.Warn("webhook delivery failed", "booking_id", e.BookingID, "event_type", string(e.Type), "error", err)
	}
}
