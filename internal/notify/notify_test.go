package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestMultiSkipsNil(t *testing.T) {
	var got []string
	m := Multi{
		Func(func(e models.Event) { got = append(got, "a:"+e.BookingID) }),
		nil,
		Func(func(e models.Event) { got = append(got, "b:"+e.BookingID) }),
	}
	m.Emit(models.Event{BookingID: "b1"})
	assert.Equal(t, []string{"a:b1", "b:b1"}, got)
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))}

	sink.Emit(models.Event{BookingID: "b1", Type: models.EventPositionUpdated, Payload: models.PositionUpdate{VehicleID: "v1"}})
	assert.Empty(t, buf.String(), "position updates log at debug")

	sink.Emit(models.Event{BookingID: "b1", Type: models.EventStatusChanged, Payload: models.StatusChange{From: models.StatusRequested, To: models.StatusDispatched, VehicleID: "v1"}})
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "booking_event", line["msg"])
	assert.Equal(t, "dispatched", line["to"])
	assert.Equal(t, "v1", line["vehicle_id"])
}

func TestWSRegistrySendWithoutSession(t *testing.T) {
	r := NewWSRegistry(nil)
	assert.True(t, errors.Is(r.Send(models.Event{BookingID: "nobody"}), ErrNoSession))
}

func TestWSRegistryDeliversToSubscribers(t *testing.T) {
	r := NewWSRegistry(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.Add(req.URL.Query().Get("booking"), conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?booking=b1"
	c1, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c1.Close()
	c2, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c2.Close()

	require.Eventually(t, func() bool { return r.Count("b1") == 2 }, 2*time.Second, 5*time.Millisecond)

	want := models.Event{BookingID: "b1", Type: models.EventArrived, Payload: models.PositionUpdate{VehicleID: "v1"}}
	require.NoError(t, r.Send(want))

	for _, c := range []*websocket.Conn{c1, c2} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got struct {
			BookingID string           `json:"booking_id"`
			Type      models.EventType `json:"event_type"`
		}
		require.NoError(t, c.ReadJSON(&got))
		assert.Equal(t, "b1", got.BookingID)
		assert.Equal(t, models.EventArrived, got.Type)
	}

	r.CloseBooking("b1")
	assert.Equal(t, 0, r.Count("b1"))
}

func TestWebhookPostsStatusChanges(t *testing.T) {
	var got []models.EventType
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		var e struct {
			Type models.EventType `json:"event_type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&e)
		got = append(got, e.Type)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "secret", nil)
	wh.Emit(models.Event{BookingID: "b1", Type: models.EventPositionUpdated, Payload: models.PositionUpdate{VehicleID: "v1"}})
	wh.Emit(models.Event{BookingID: "b1", Type: models.EventArrived, Payload: models.PositionUpdate{VehicleID: "v1"}})
	wh.Emit(models.Event{BookingID: "b1", Type: models.EventStatusChanged, Payload: models.StatusChange{To: models.StatusArrived}})

	assert.Equal(t, []models.EventType{models.EventArrived, models.EventStatusChanged}, got)
	assert.Equal(t, "Bearer secret", auth)
}

func TestWebhookReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "", nil).Post(context.Background(), models.Event{BookingID: "b1", Type: models.EventStatusChanged})
	assert.Error(t, err)
}
