package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pthm-cable/racer/neural"
	"github.com/pthm-cable/racer/track"
)

// VehicleView is the per-vehicle slice of a live frame.
type VehicleView struct {
	ID          int       `json:"id"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Heading     float64   `json:"heading"`
	Speed       float64   `json:"speed"`
	Status      string    `json:"status"`
	Checkpoints int       `json:"checkpoints"`
	Inputs      []float64 `json:"inputs,omitempty"`
	Outputs     []float64 `json:"outputs,omitempty"`
}

// GhostView is the phantom opponent replaying an earlier best lap.
type GhostView struct {
	Generation int     `json:"generation"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Heading    float64 `json:"heading"`
}

// Frame is one observed tick of a generation.
type Frame struct {
	Generation int           `json:"generation"`
	Tick       int           `json:"tick"`
	Level      int           `json:"level"`
	LevelName  string        `json:"level_name"`
	Weather    string        `json:"weather,omitempty"`
	Vehicles   []VehicleView `json:"vehicles"`
	Ghost      *GhostView    `json:"ghost,omitempty"`

	// Track is sent to clients only when it differs from the previous frame's.
	Track *track.Track `json:"-"`
}

// Observer receives live frames from the tick loop. Observe must not block.
type Observer interface {
	Observe(f Frame)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Frame)

// Observe calls fn(f).
func (fn ObserverFunc) Observe(f Frame) { fn(f) }

type feedMessage struct {
	Type    string                `json:"type"`
	Frame   *Frame                `json:"frame,omitempty"`
	Track   *track.Track          `json:"track,omitempty"`
	Inputs  []neural.IODescriptor `json:"inputs,omitempty"`
	Outputs []neural.IODescriptor `json:"outputs,omitempty"`
}

const (
	feedQueue      = 8
	clientQueue    = 64
	feedPingPeriod = 30 * time.Second
	feedWriteWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Feed broadcasts frames to websocket clients. Frames that do not fit in a
// queue are dropped rather than slowing the simulation.
type Feed struct {
	hello  []byte
	frames chan Frame
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	lock      sync.Mutex
	clients   map[*feedClient]bool
	lastTrack *track.Track
	trackMsg  []byte

	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewFeed creates a feed and starts its broadcast loop. inputs and outputs
// describe the controller vector for client-side labeling.
func NewFeed(inputs, outputs []neural.IODescriptor, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	hello, _ := json.Marshal(feedMessage{Type: "hello", Inputs: inputs, Outputs: outputs})
	f := &Feed{
		hello:   hello,
		frames:  make(chan Frame, feedQueue),
		done:    make(chan struct{}),
		clients: make(map[*feedClient]bool),
		logger:  logger,
	}
	f.wg.Add(1)
	go f.loop()
	return f
}

// Observe queues a frame without blocking.
func (f *Feed) Observe(fr Frame) {
	select {
	case f.frames <- fr:
	default:
		f.dropped.Add(1)
	}
}

// Dropped returns the number of frames or client messages discarded.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.clients)
}

func (f *Feed) loop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case fr := <-f.frames:
			if fr.Track != nil && fr.Track != f.lastTrack {
				msg, err := json.Marshal(feedMessage{Type: "track", Track: fr.Track})
				if err != nil {
					f.logger.Warn("feed_track_encode_failed", "error", err)
					continue
				}
				f.lock.Lock()
				f.lastTrack = fr.Track
				f.trackMsg = msg
				f.lock.Unlock()
				f.broadcast(msg)
			}
			msg, err := json.Marshal(feedMessage{Type: "frame", Frame: &fr})
			if err != nil {
				f.logger.Warn("feed_frame_encode_failed", "error", err)
				continue
			}
			f.broadcast(msg)
		}
	}
}

func (f *Feed) broadcast(msg []byte) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for c := range f.clients {
		select {
		case c.send <- msg:
		default:
			f.dropped.Add(1)
		}
	}
}

// Handler returns the websocket endpoint.
func (f *Feed) Handler() http.Handler {
	return http.HandlerFunc(f.serveWS)
}

func (f *Feed) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("feed_upgrade_failed", "error", err)
		return
	}
	client := &feedClient{conn: conn, send: make(chan []byte, clientQueue)}

	f.lock.Lock()
	client.send <- f.hello
	if f.trackMsg != nil {
		client.send <- f.trackMsg
	}
	f.clients[client] = true
	f.lock.Unlock()
	f.logger.Info("feed_client_connected", "remote", r.RemoteAddr)

	// reader: drains control frames and detects disconnect
	go func() {
		defer f.remove(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// writer
	go func() {
		ticker := time.NewTicker(feedPingPeriod)
		defer func() {
			ticker.Stop()
			conn.Close()
		}()
		for {
			select {
			case msg, ok := <-client.send:
				conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
				if !ok {
					_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}

func (f *Feed) remove(c *feedClient) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.clients[c] {
		delete(f.clients, c)
		close(c.send)
	}
}

// Serve listens on addr until ctx is done.
func (f *Feed) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", f.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the broadcast loop and disconnects all clients.
func (f *Feed) Close() error {
	f.once.Do(func() {
		close(f.done)
		f.wg.Wait()
		f.lock.Lock()
		for c := range f.clients {
			delete(f.clients, c)
			close(c.send)
		}
		f.lock.Unlock()
	})
	return nil
}
