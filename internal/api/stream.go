package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guardiao/backend/internal/events"
)

const streamWriteTimeout = 10 * time.Second

// Streamer fans the moderation event stream out to WebSocket clients.
// Slow clients are dropped rather than allowed to stall the hub.
type Streamer struct {
	bus        *events.Bus
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
	upgrader   websocket.Upgrader
	logger     *log.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewStreamer wires a stream hub on the bus.
func NewStreamer(bus *events.Bus) *Streamer {
	return &Streamer{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the hub: it subscribes to every bus event and broadcasts.
func (st *Streamer) Start() {
	sub := st.bus.Subscribe()
	go st.run(sub)
}

func (st *Streamer) run(sub chan *events.Event) {
	defer close(st.doneCh)
	defer st.bus.Unsubscribe(sub)

	for {
		select {
		case <-st.stopCh:
			st.closeAll()
			return
		case client := <-st.register:
			st.mu.Lock()
			st.clients[client] = true
			n := len(st.clients)
			st.mu.Unlock()
			st.logger.Printf("client connected (total: %d)", n)
		case client := <-st.unregister:
			st.drop(client)
		case event, ok := <-sub:
			if !ok {
				st.closeAll()
				return
			}
			st.broadcast(event)
		}
	}
}

// Stop closes every client and halts the hub.
func (st *Streamer) Stop() {
	close(st.stopCh)
	<-st.doneCh
}

func (st *Streamer) broadcast(event *events.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for client := range st.clients {
		client.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := client.WriteJSON(event); err != nil {
			delete(st.clients, client)
			client.Close()
		}
	}
}

func (st *Streamer) drop(client *websocket.Conn) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.clients[client]; ok {
		delete(st.clients, client)
		client.Close()
	}
}

func (st *Streamer) closeAll() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for client := range st.clients {
		client.Close()
	}
	st.clients = make(map[*websocket.Conn]bool)
}

// HandleWS upgrades the connection and registers it with the hub. The
// read loop only serves to detect the client going away.
func (st *Streamer) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := st.upgrader.Upgrade(w, r, nil)
	if err != nil {
		st.logger.Printf("upgrading connection: %v", err)
		return
	}
	select {
	case st.register <- conn:
	case <-st.stopCh:
		conn.Close()
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case st.unregister <- conn:
				case <-st.stopCh:
				}
				return
			}
		}
	}()
}
