package stream

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Broadcaster fans rendered JPEG frames out to MJPEG clients. A client
// that falls behind loses frames; it never slows the renderer down.
type Broadcaster struct {
	log zerolog.Logger

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	frameMu      sync.RWMutex
	currentFrame []byte

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		log:     log,
		clients: make(map[chan []byte]struct{}),
	}
}

// Subscribe registers a client channel holding up to buffer frames
func (b *Broadcaster) Subscribe(buffer int) chan []byte {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan []byte, buffer)
	b.clientsMu.Lock()
	b.clients[ch] = struct{}{}
	b.clientsMu.Unlock()
	return ch
}

// Unsubscribe removes ch
func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.clientsMu.Lock()
	delete(b.clients, ch)
	b.clientsMu.Unlock()
}

// Clients returns the number of connected viewers
func (b *Broadcaster) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// Publish stores frame as the current frame and offers it to every client
func (b *Broadcaster) Publish(frame []byte) {
	b.frameMu.Lock()
	b.currentFrame = frame
	b.frameMu.Unlock()
	b.published.Add(1)

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- frame:
		default:
			b.dropped.Add(1)
		}
	}
}

// CurrentFrame returns the last published JPEG or nil
func (b *Broadcaster) CurrentFrame() []byte {
	b.frameMu.RLock()
	defer b.frameMu.RUnlock()
	return b.currentFrame
}

// Dropped returns how many client sends were skipped
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// ServeHTTP streams frames as multipart/x-mixed-replace until the client
// goes away
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientCh := b.Subscribe(5)
	defer b.Unsubscribe(clientCh)

	b.log.Info().Str("remote", r.RemoteAddr).Msg("Stream client connected")
	defer b.log.Info().Str("remote", r.RemoteAddr).Msg("Stream client disconnected")

	// Start with the current frame so new viewers do not wait a tick
	if frame := b.CurrentFrame(); frame != nil {
		if err := writePart(w, frame); err != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-clientCh:
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

// SnapshotHandler serves the current frame as a single JPEG
func (b *Broadcaster) SnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frame := b.CurrentFrame()
		if frame == nil {
			http.Error(w, "No frame available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
		w.Write(frame)
	}
}
