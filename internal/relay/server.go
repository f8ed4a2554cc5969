// Package relay is the session relay: it holds each room's replicated
// document in memory, forwards sync and presence frames between the room's
// websocket connections and runs code on behalf of the room.
package relay

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"codepair/internal/bus"
	"codepair/internal/protocol"
	"codepair/internal/sandbox"
	"codepair/internal/store"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	storeTimeout  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Executor runs code. The sandbox orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) sandbox.Response
}

// MetadataStore is the slice of the interview store the relay uses.
type MetadataStore interface {
	Boilerplate(ctx context.Context, interviewID string) (string, error)
	MarkActive(ctx context.Context, id string) error
	EndInterview(ctx context.Context, id, finalCode string) (store.Interview, error)
	SaveNotes(ctx context.Context, id, notes string) error
	AppendEvents(ctx context.Context, interviewID string, events []store.Event) (int, error)
	Events(ctx context.Context, interviewID string) ([]store.Event, error)
}

// Bus carries frames between relay nodes.
type Bus interface {
	Publish(ctx context.Context, room string, frame []byte) error
	Subscribe(ctx context.Context, room string) (*bus.Subscription, error)
}

// Options wires the optional collaborators.
type Options struct {
	Store     MetadataStore
	Bus       Bus
	StaticDir string
}

// Server accepts relay connections and serves the room REST API.
type Server struct {
	rooms     *Registry
	exec      Executor
	store     MetadataStore
	bus       Bus
	staticDir string
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	room   *Room
	server *Server
}

// New creates a relay server.
func New(rooms *Registry, exec Executor, opts Options) *Server {
	return &Server{
		rooms:     rooms,
		exec:      exec,
		store:     opts.Store,
		bus:       opts.Bus,
		staticDir: opts.StaticDir,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/{room...}", s.handleWebSocket)

	mux.HandleFunc("POST /rooms/{room}/run", s.handleRun)
	mux.HandleFunc("GET /rooms/{room}/history", s.handleHistory)
	mux.HandleFunc("GET /rooms/{room}/code", s.handleCode)
	mux.HandleFunc("POST /rooms/{room}/end", s.handleEnd)
	mux.HandleFunc("POST /rooms/{room}/notes", s.handleNotes)
	mux.HandleFunc("GET /rooms/{room}/events", s.handleListEvents)
	mux.HandleFunc("POST /rooms/{room}/events", s.handleAppendEvents)
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades the connection and attaches it to its room.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	if roomID == "" {
		http.Error(w, `{"error":"room is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: websocket upgrade error: %v", err)
		return
	}

	room := s.rooms.Acquire(roomID)
	s.initRoom(room)

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		room:   room,
		server: s,
	}
	if !room.attach(c) {
		s.rooms.Release(room)
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// initRoom seeds a new room's code surface from its question and joins the
// room's bus channel. Concurrent first connections wait for it to finish.
func (s *Server) initRoom(room *Room) {
	room.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		if s.store != nil {
			code, err := s.store.Boilerplate(ctx, room.ID)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				log.Printf("relay: room %s: load boilerplate: %v", room.ID, err)
			default:
				room.seed(code)
			}
			if err == nil {
				if err := s.store.MarkActive(ctx, room.ID); err != nil {
					log.Printf("relay: room %s: %v", room.ID, err)
				}
			}
		}

		if s.bus != nil {
			s.joinBus(ctx, room)
		}
	})
}

func (s *Server) joinBus(ctx context.Context, room *Room) {
	sub, err := s.bus.Subscribe(ctx, room.ID)
	if err != nil {
		log.Printf("relay: room %s: %v", room.ID, err)
		return
	}
	if !room.setSubscription(sub) {
		sub.Close()
		return
	}

	go func() {
		for msg := range sub.C {
			f, err := protocol.ParseFrame(msg.Frame)
			if err != nil {
				log.Printf("relay: room %s: drop bus frame from %s: %v", room.ID, msg.Node, err)
				continue
			}
			if reply := room.handleRemote(f); reply != nil {
				s.publish(room.ID, reply)
			}
		}
	}()

	// Ask the other nodes for anything this node has not seen.
	s.publish(room.ID, protocol.NewFrame(protocol.TypeSyncStep1, room.doc.EncodeStateVector()).Encode())
}

func (s *Server) publish(roomID string, frame []byte) {
	if s.bus == nil || frame == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeDeadline)
	defer cancel()
	if err := s.bus.Publish(ctx, roomID, frame); err != nil {
		log.Printf("relay: room %s: %v", roomID, err)
	}
}

// queue hands data to the write pump, dropping it if the client is too far
// behind. The caller holds the room's mutex.
func (c *client) queue(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Printf("relay: room %s: client buffer full, dropping frame", c.room.ID)
	}
}

// readPump reads frames from the connection until it fails.
func (c *client) readPump() {
	defer func() {
		if removal := c.room.detach(c); removal != nil {
			c.server.publish(c.room.ID, removal)
		}
		c.server.rooms.Release(c.room)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("relay: room %s: websocket read error: %v", c.room.ID, err)
			}
			return
		}

		f, err := protocol.ParseFrame(message)
		if err != nil {
			log.Printf("relay: room %s: drop frame: %v", c.room.ID, err)
			continue
		}
		if out := c.room.handle(c, f); out != nil {
			c.server.publish(c.room.ID, out)
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
