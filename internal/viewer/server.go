// Package viewer serves the received camera views over HTTP: a websocket
// stream per view, an MJPEG stream for plain browsers and single snapshots.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-camlink/modules/framebus"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // LAN tool, no origin policy
	},
}

// routeBuffer is the viewer's DropNew backlog on the receiver bus.
const routeBuffer = 16

// Server streams frames published on a framebus.
//
// Run routes every frame to a bus of its own view. Each client holds a
// latest-only subscription on that view bus, so a slow browser skips frames
// instead of delaying the others.
type Server struct {
	bus     framebus.Bus
	views   []string
	viewBus map[string]framebus.Bus

	mu       sync.RWMutex
	snapshot map[string]framebus.Frame

	clients atomic.Int64
	nextID  atomic.Uint64
}

// New creates a viewer for the named views.
func New(bus framebus.Bus, views []string) *Server {
	s := &Server{
		bus:      bus,
		views:    views,
		viewBus:  make(map[string]framebus.Bus, len(views)),
		snapshot: make(map[string]framebus.Frame, len(views)),
	}
	for _, v := range views {
		s.viewBus[v] = framebus.New()
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.serveIndex)
	mux.HandleFunc("GET /ws/{view}", s.serveWebSocket)
	mux.HandleFunc("GET /mjpeg/{view}", s.serveMJPEG)
	mux.HandleFunc("GET /snapshot/{view}", s.serveSnapshot)
	mux.HandleFunc("GET /stats", s.serveStats)
	return mux
}

// Run routes frames to the view streams and keeps the latest frame of every
// view for snapshots until ctx is done. The view streams close on return.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		for _, vb := range s.viewBus {
			vb.Close()
		}
	}()

	ch := make(chan framebus.Frame, routeBuffer)
	if err := s.bus.Subscribe("viewer", ch); err != nil {
		return fmt.Errorf("subscribe viewer: %w", err)
	}
	defer s.bus.Unsubscribe("viewer")

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-ch:
			vb, ok := s.viewBus[frame.Source]
			if !ok {
				continue
			}
			s.mu.Lock()
			s.snapshot[frame.Source] = frame
			s.mu.Unlock()
			vb.Publish(frame)
		}
	}
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("viewer listening", "addr", addr, "views", s.views)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("viewer: %w", err)
	}
	return nil
}

func (s *Server) knownView(w http.ResponseWriter, r *http.Request) (string, bool) {
	view := r.PathValue("view")
	if !slices.Contains(s.views, view) {
		http.Error(w, "unknown view", http.StatusNotFound)
		return "", false
	}
	return view, true
}

// subscribe registers a latest-only subscription for one client of view.
func (s *Server) subscribe(kind, view string) (string, *framebus.Receiver, error) {
	id := kind + "-" + strconv.FormatUint(s.nextID.Add(1), 10)
	rx, err := s.viewBus[view].SubscribeLatest(id)
	if err != nil {
		return "", nil, err
	}
	s.clients.Add(1)
	return id, rx, nil
}

func (s *Server) unsubscribe(view, id string) {
	s.viewBus[view].Unsubscribe(id)
	s.clients.Add(-1)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	view, ok := s.knownView(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "view", view, "error", err)
		return
	}
	defer conn.Close()

	id, rx, err := s.subscribe("ws", view)
	if err != nil {
		slog.Error("viewer subscribe failed", "view", view, "error", err)
		return
	}
	defer s.unsubscribe(view, id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: the client only sends close frames; any read error ends the stream
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	slog.Info("websocket viewer connected", "view", view, "client", id, "remote", r.RemoteAddr)

	for {
		frame, err := rx.Receive(ctx)
		if err != nil {
			break
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket write failed", "client", id, "error", err)
			}
			break
		}
	}

	slog.Info("websocket viewer disconnected", "view", view, "client", id)
}

func (s *Server) serveMJPEG(w http.ResponseWriter, r *http.Request) {
	view, ok := s.knownView(w, r)
	if !ok {
		return
	}

	id, rx, err := s.subscribe("mjpeg", view)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(view, id)

	mw := multipart.NewWriter(w)
	mw.SetBoundary("frame")
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	flusher, _ := w.(http.Flusher)

	for {
		frame, err := rx.Receive(r.Context())
		if err != nil {
			return
		}

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "image/jpeg")
		header.Set("Content-Length", strconv.Itoa(len(frame.Data)))
		part, err := mw.CreatePart(header)
		if err != nil {
			return
		}
		if _, err := part.Write(frame.Data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	view, ok := s.knownView(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	frame, ok := s.snapshot[view]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "no frame received yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	w.Header().Set("X-Trace-Id", frame.TraceID)
	w.Write(frame.Data)
}

// Stats is the viewer snapshot served on /stats.
type Stats struct {
	Clients   int64              `json:"clients"`
	Published uint64             `json:"published"`
	Dropped   uint64             `json:"dropped"`
	DropRate  float64            `json:"drop_rate"`
	LastSeq   map[string]uint64  `json:"last_seq"`
	LastFrame map[string]float64 `json:"last_frame_age_s"`
}

// Stats returns client and bus counters.
func (s *Server) Stats() Stats {
	bus := s.bus.Stats()
	st := Stats{
		Clients:   s.clients.Load(),
		Published: bus.TotalPublished,
		Dropped:   bus.TotalDropped,
		DropRate:  framebus.CalculateDropRate(bus),
		LastSeq:   make(map[string]uint64),
		LastFrame: make(map[string]float64),
	}
	s.mu.RLock()
	for view, f := range s.snapshot {
		st.LastSeq[view] = f.Seq
		st.LastFrame[view] = time.Since(f.ReceivedAt).Seconds()
	}
	s.mu.RUnlock()
	return st
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Stats())
}
