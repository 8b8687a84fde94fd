// Package httpapi implements the hub's HTTP surface and Socket.IO live event
// channel (SPEC_FULL.md §6), grounded on the teacher's cmdHandlers.go/
// socketHandlers.go serve()/socketController pattern: a socket.io server for
// connect/emit, a plain net/http.ServeMux for the REST surface, wired
// together and served from one listener.
package httpapi

import (
	"log"
	"net/http"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forestguardian/internal/classifier"
	"forestguardian/internal/config"
	"forestguardian/internal/store"
	"forestguardian/internal/telemetry"
)

// Server bundles the hub's HTTP and live-event surfaces behind one listener.
type Server struct {
	store   *store.Store
	quota   classifier.QuotaReporter
	mode    config.ClassifierMode
	metrics *telemetry.Metrics
	socket  *socketio.Server
}

// New builds a Server. quota may be nil when no DeepCloud tier is configured.
func New(st *store.Store, quota classifier.QuotaReporter, mode config.ClassifierMode, metrics *telemetry.Metrics) *Server {
	allowOrigin := func(r *http.Request) bool { return true }

	socketServer := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{CheckOrigin: allowOrigin},
			&polling.Transport{CheckOrigin: allowOrigin},
		},
	})

	s := &Server{
		store:   st,
		quota:   quota,
		mode:    mode,
		metrics: metrics,
		socket:  socketServer,
	}

	socketServer.OnConnect("/", func(conn socketio.Conn) error {
		conn.SetContext("")
		log.Printf("CONNECTED: %s, remote addr: %s\n", conn.ID(), conn.RemoteAddr())
		return nil
	})
	socketServer.OnError("/", func(conn socketio.Conn, err error) {
		log.Println("socket.io error:", err)
	})
	socketServer.OnDisconnect("/", func(conn socketio.Conn, reason string) {
		log.Printf("socket disconnected - ID: %s, reason: %s\n", conn.ID(), reason)
	})

	return s
}

// Mux builds the REST + socket.io + metrics handler to hand to
// http.ListenAndServe.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.socket)
	mux.Handle("/api/status", s.instrument("/api/status", s.handleStatus))
	mux.Handle("/api/nodes", s.instrument("/api/nodes", s.handleNodes))
	mux.Handle("/api/alerts", s.instrument("/api/alerts", s.handleAlerts))
	mux.Handle("/api/alerts/", s.instrument("/api/alerts/{id}/respond", s.handleRespondToAlert))
	mux.Handle("/api/ai/status", s.instrument("/api/ai/status", s.handleAIStatus))
	mux.Handle("/api/spectrograms", s.instrument("/api/spectrograms", s.handleSpectrograms))
	mux.Handle("/api/simulate/alert", s.instrument("/api/simulate/alert", s.handleSimulateAlert))
	mux.Handle("/api/simulate/heartbeat", s.instrument("/api/simulate/heartbeat", s.handleSimulateHeartbeat))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// instrument wraps a handler with the HTTPRequestDuration histogram, labeled
// by a caller-supplied path template (not the raw URL, to keep cardinality
// bounded) and method.
func (s *Server) instrument(pathLabel string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		handler(w, r)
		if s.metrics != nil {
			s.metrics.HTTPRequestDuration.WithLabelValues(pathLabel, r.Method).Observe(time.Since(start).Seconds())
		}
	})
}

// Run starts the socket.io accept loop (which must run in its own goroutine
// per the googollee/go-socket.io idiom) and the broadcaster-to-socket bridge,
// then blocks serving HTTP on addr until http.ListenAndServe returns its
// error. It takes no context and exposes no *http.Server, so there is no
// graceful shutdown path; the server stops when the process exits.
func (s *Server) Run(addr string) error {
	go func() {
		if err := s.socket.Serve(); err != nil {
			log.Printf("socket.io serve error: %v\n", err)
		}
	}()
	defer s.socket.Close()

	go s.bridgeEvents()

	log.Printf("hub HTTP server listening on %s\n", addr)
	return http.ListenAndServe(addr, s.Mux())
}

// bridgeEvents relays every store.Event to all connected socket.io clients
// under the "guardian_event" channel, forever (or until the subscription's
// underlying channel is closed by an Unsubscribe the Server never calls,
// since the Server owns the subscription for its whole lifetime).
func (s *Server) bridgeEvents() {
	events, _ := s.store.Subscribe()
	for ev := range events {
		s.socket.BroadcastToRoom("/", "", "guardian_event", ev)
	}
}
