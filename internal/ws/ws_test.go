package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdwatch/internal/pipeline"
)

type fakeProcessor struct {
	mu       sync.Mutex
	frames   [][]byte
	features pipeline.Features
	changes  chan pipeline.FeatureChange
	reject   atomic.Bool
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		features: pipeline.Features{"night_vision": pipeline.BoolFlag(true)},
		changes:  make(chan pipeline.FeatureChange, 10),
	}
}

func (f *fakeProcessor) ProcessFrame(raw []byte) pipeline.Response {
	f.mu.Lock()
	f.frames = append(f.frames, raw)
	f.mu.Unlock()
	return pipeline.Response{
		Count:      6,
		Detections: [][4]int{{1, 2, 3, 4}, {5, 6, 7, 8}, {1, 1, 2, 2}, {3, 3, 4, 4}, {5, 5, 6, 6}, {7, 7, 8, 8}},
		Alert:      pipeline.AlertHighDensity,
		Status:     pipeline.AlertHighDensity.Status(),
		Features:   f.Features(),
		Timestamp:  time.Now(),
	}
}

func (f *fakeProcessor) Toggle(name string, value pipeline.FlagValue) error {
	if f.reject.Load() {
		return errors.Wrapf(pipeline.ErrUnknownFeature, "%q", name)
	}
	f.mu.Lock()
	f.features[name] = value
	f.mu.Unlock()
	f.changes <- pipeline.FeatureChange{Name: name, Value: value}
	return nil
}

func (f *fakeProcessor) Features() pipeline.Features {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(pipeline.Features, len(f.features))
	for k, v := range f.features {
		out[k] = v
	}
	return out
}

type harness struct {
	hub       *Hub
	proc      *fakeProcessor
	snapshots chan pipeline.Snapshot
	srv       *httptest.Server
	cancel    context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		hub:       NewHub(zerolog.Nop()),
		proc:      newFakeProcessor(),
		snapshots: make(chan pipeline.Snapshot, 10),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.hub.Run(ctx, h.proc, h.proc.changes, h.snapshots)

	h.srv = httptest.NewServer(NewHandler(h.hub, h.proc, zerolog.Nop()))
	t.Cleanup(func() {
		cancel()
		h.hub.CloseAll()
		h.srv.Close()
	})
	return h
}

// dial connects and consumes the initial features message
func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readMessage(t, conn)
	require.Equal(t, TypeFeatures, msg["type"])
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandler_ProcessFrame(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionProcessFrame, Image: "data:image/jpeg;base64,AAAA"}))
	msg := readMessage(t, conn)

	assert.Equal(t, TypeResult, msg["type"])
	assert.Equal(t, float64(6), msg["count"])
	assert.Equal(t, "HIGH DENSITY WARNING", msg["status"])
	assert.Len(t, msg["detections"], 6)
	assert.Equal(t, []any{float64(1), float64(2), float64(3), float64(4)}, msg["detections"].([]any)[0])

	h.proc.mu.Lock()
	defer h.proc.mu.Unlock()
	require.Len(t, h.proc.frames, 1)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", string(h.proc.frames[0]))
}

func TestHandler_RejectsBadMessages(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, TypeError, readMessage(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionProcessFrame}))
	assert.Equal(t, TypeError, readMessage(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "dance"}))
	assert.Equal(t, TypeError, readMessage(t, conn)["type"])

	// The connection survives all of the above
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionProcessFrame, Image: "AAAA"}))
	assert.Equal(t, TypeResult, readMessage(t, conn)["type"])
}

func TestHandler_ToggleBroadcastsFeatures(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t)
	b := h.dial(t)

	require.NoError(t, a.WriteMessage(websocket.TextMessage,
		[]byte(`{"action":"toggle_feature","feature":"night_vision","value":false}`)))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeFeatures, msg["type"])
		assert.Equal(t, "night_vision", msg["changed"])
		assert.Equal(t, false, msg["features"].(map[string]any)["night_vision"])
	}
}

func TestHandler_ToggleNumberAndInvalidValue(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action":"toggle_feature","feature":"sensitivity","value":0.5}`)))
	msg := readMessage(t, conn)
	assert.Equal(t, 0.5, msg["features"].(map[string]any)["sensitivity"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action":"toggle_feature","feature":"sensitivity","value":"loud"}`)))
	assert.Equal(t, TypeError, readMessage(t, conn)["type"])
}

func TestHandler_ToggleRejected(t *testing.T) {
	h := newHarness(t)
	h.proc.reject.Store(true)
	conn := h.dial(t)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionToggleFeature, Feature: "warp_drive", Value: json.RawMessage("true")}))
	msg := readMessage(t, conn)
	assert.Equal(t, TypeError, msg["type"])
	assert.Contains(t, msg["message"], "warp_drive")
}

func TestHub_AlertTransitionsOnly(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	now := time.Now()
	for _, count := range []int{2, 6, 7, 3} {
		h.snapshots <- pipeline.Snapshot{
			Count:     count,
			Alert:     pipeline.Classify(count, pipeline.DefaultAlertThreshold),
			UpdatedAt: now,
		}
	}

	first := readMessage(t, conn)
	assert.Equal(t, TypeAlert, first["type"])
	assert.Equal(t, "HIGH_DENSITY", first["level"])
	assert.Equal(t, "NORMAL", first["previous"])
	assert.Equal(t, float64(6), first["count"])

	second := readMessage(t, conn)
	assert.Equal(t, "NORMAL", second["level"])
	assert.Equal(t, "HIGH_DENSITY", second["previous"])
	assert.Equal(t, "Normal", second["status"])
}

func TestHub_ClientCount(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	assert.Equal(t, 1, h.hub.ClientCount())

	conn.Close()
	require.Eventually(t, func() bool { return h.hub.ClientCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}
