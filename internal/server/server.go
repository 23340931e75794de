// ABOUTME: WebSocket ingest daemon for the Hearback reconciliation session
// ABOUTME: Accepts event and calibration submissions, broadcasts reconciled events
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Hearback-Project/hearback-go/internal/discovery"
	"github.com/Hearback-Project/hearback-go/internal/protocol"
	"github.com/Hearback-Project/hearback-go/pkg/hearback"
	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// Config holds server configuration
type Config struct {
	Name       string
	Listen     string // host:port to bind, e.g. ":9137"
	EnableMDNS bool
	Session    hearback.Config
}

// Server hosts one reconciliation session over WebSocket. Clients submit raw
// events and calibration pairs; every reconciled event is broadcast to all
// connected clients in output order.
type Server struct {
	config   Config
	serverID string

	session *hearback.Session

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	mux        *http.ServeMux

	clients   map[string]*Client
	clientsMu sync.RWMutex

	mdnsManager *discovery.Manager

	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// Client represents a connected client
type Client struct {
	ID   string
	Name string
	Conn *websocket.Conn

	sendChan chan interface{}
}

// New creates a new server instance
func New(config Config) *Server {
	if config.Name == "" {
		config.Name = "hearback"
	}
	if config.Listen == "" {
		config.Listen = ":9137"
	}

	return &Server{
		config:   config,
		serverID: uuid.New().String(),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Trusted local networks only; non-browser clients send no Origin.
				return true
			},
		},
		clients: make(map[string]*Client),
	}
}

// Start creates the session, binds the listener, and begins serving. Returns
// once the server is accepting connections.
func (s *Server) Start() error {
	log.Printf("Server starting: %s (ID: %s)", s.config.Name, s.serverID)

	session, err := hearback.NewSession(s.withBroadcast(s.config.Session))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	s.session = session

	s.mux.HandleFunc("/hearback", s.handleWebSocket)

	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		s.session.Close()
		return fmt.Errorf("failed to bind %s: %w", s.config.Listen, err)
	}
	s.listener = listener
	log.Printf("WebSocket server listening on %s", listener.Addr())

	if s.config.EnableMDNS {
		port := listener.Addr().(*net.TCPAddr).Port
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        port,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			log.Printf("Failed to start mDNS advertisement: %v", err)
		} else {
			log.Printf("mDNS advertisement started")
		}
	}

	s.httpServer = &http.Server{Handler: s.mux}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// withBroadcast hooks the session's event stream into the client broadcast.
func (s *Server) withBroadcast(cfg hearback.Config) hearback.Config {
	user := cfg.OnEvent
	cfg.OnEvent = func(ev timeline.Event) {
		if user != nil {
			user(ev)
		}
		s.broadcast(protocol.Message{
			Type:    protocol.TypeEventReconciled,
			Payload: protocol.NewReconciledEvent(ev),
		})
	}
	return cfg
}

// broadcast queues a message for every connected client. Slow clients drop
// messages rather than stalling the reconciliation goroutine.
func (s *Server) broadcast(msg protocol.Message) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.sendChan <- msg:
		default:
			log.Printf("Client %s send queue full, dropping message", client.Name)
		}
	}
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Session returns the server's reconciliation session.
func (s *Server) Session() *hearback.Session { return s.session }

// Stop shuts the server down: closes the listener, disconnects clients, and
// flushes the session. The final summary stays readable via Session().
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Printf("Server shutting down...")

		s.shutdownMu.Lock()
		s.isShutdown = true
		s.shutdownMu.Unlock()

		if s.mdnsManager != nil {
			s.mdnsManager.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
			}
		}

		// Shutdown does not touch hijacked WebSocket connections; close them
		// so reader loops end and writers drain out.
		s.clientsMu.RLock()
		for _, client := range s.clients {
			client.Conn.Close()
		}
		s.clientsMu.RUnlock()

		s.wg.Wait()

		if s.session != nil {
			s.session.Close()
		}
		log.Printf("Server stopped cleanly")
	})
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	log.Printf("New WebSocket connection from %s", r.RemoteAddr)
	s.handleConnection(conn)
}

// handleConnection manages a client connection
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	s.shutdownMu.RLock()
	if s.isShutdown {
		s.shutdownMu.RUnlock()
		log.Printf("Rejecting connection during shutdown")
		return
	}
	s.shutdownMu.RUnlock()

	// Wait for client/hello
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Printf("Error reading hello: %v", err)
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Error unmarshaling message: %v", err)
		return
	}
	if msg.Type != protocol.TypeClientHello {
		log.Printf("Expected %s, got %s", protocol.TypeClientHello, msg.Type)
		return
	}

	var hello protocol.ClientHello
	if err := reparse(msg.Payload, &hello); err != nil {
		log.Printf("Error unmarshaling client hello: %v", err)
		return
	}
	if hello.ClientID == "" || hello.Name == "" {
		log.Printf("Client hello missing ClientID or Name")
		return
	}

	log.Printf("Client hello: %s (ID: %s, Domains: %v)", hello.Name, hello.ClientID, hello.Domains)

	client := &Client{
		ID:       hello.ClientID,
		Name:     hello.Name,
		Conn:     conn,
		sendChan: make(chan interface{}, 256),
	}

	s.clientsMu.Lock()
	if existing, exists := s.clients[hello.ClientID]; exists {
		s.clientsMu.Unlock()
		log.Printf("Client ID %s already connected (name: %s), rejecting duplicate", hello.ClientID, existing.Name)

		errorMsg := protocol.Message{
			Type: protocol.TypeServerError,
			Payload: protocol.ServerError{
				Error:   "duplicate_client_id",
				Message: "Client ID already connected",
			},
		}
		if data, err := json.Marshal(errorMsg); err == nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
		return
	}
	s.clients[client.ID] = client
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()
		close(client.sendChan)
		log.Printf("Client disconnected: %s", client.Name)
	}()

	var refName string
	if prio := s.config.Session.DomainPriority; len(prio) > 0 {
		refName = string(prio[0])
	} else if domains := s.config.Session.Domains; len(domains) > 0 {
		refName = string(domains[0].ID)
	}
	if err := s.sendMessage(client, protocol.TypeServerHello, protocol.ServerHello{
		ServerID:  s.serverID,
		Name:      s.config.Name,
		Version:   protocol.ProtocolVersion,
		SessionID: s.session.ID(),
		Reference: refName,
	}); err != nil {
		log.Printf("Error sending server hello: %v", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clientWriter(client)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		s.handleClientMessage(client, data)
	}
}

// clientWriter sends queued messages to the client
func (s *Server) clientWriter(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	const writeDeadline = 10 * time.Second

	for {
		select {
		case msg, ok := <-client.sendChan:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Error marshaling message: %v", err)
				continue
			}
			client.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Error writing message: %v", err)
				return
			}

		case <-ticker.C:
			if err := client.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// handleClientMessage processes messages from clients
func (s *Server) handleClientMessage(client *Client, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Error unmarshaling message: %v", err)
		return
	}

	switch msg.Type {
	case protocol.TypeEventSubmit:
		s.handleEventSubmit(client, msg.Payload)
	case protocol.TypeCalibrationPair:
		s.handleCalibrationPair(client, msg.Payload)
	case protocol.TypeSummaryRequest:
		s.handleSummaryRequest(client)
	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

// handleEventSubmit feeds one raw observation into the session
func (s *Server) handleEventSubmit(client *Client, payload interface{}) {
	var submit protocol.EventSubmit
	if err := reparse(payload, &submit); err != nil {
		log.Printf("Error unmarshaling event submit: %v", err)
		return
	}

	err := s.session.Submit(timeline.DomainID(submit.Domain), submit.RawTick, timeline.Payload{
		Kind:     protocol.ParseKind(submit.Kind),
		Code:     submit.Code,
		Velocity: submit.Velocity,
	})
	if err != nil {
		s.sendError(client, "submit_failed", err)
	}
}

// handleCalibrationPair feeds one calibration observation into the session
func (s *Server) handleCalibrationPair(client *Client, payload interface{}) {
	var pair protocol.CalibrationSubmit
	if err := reparse(payload, &pair); err != nil {
		log.Printf("Error unmarshaling calibration pair: %v", err)
		return
	}

	err := s.session.SubmitCalibrationPair(timeline.CalibrationPair{
		StimulusDomain: timeline.DomainID(pair.StimulusDomain),
		ResponseDomain: timeline.DomainID(pair.ResponseDomain),
		StimulusTick:   pair.StimulusTick,
		ResponseTick:   pair.ResponseTick,
	})
	if err != nil {
		s.sendError(client, "calibration_failed", err)
	}
}

// handleSummaryRequest replies with the current session statistics
func (s *Server) handleSummaryRequest(client *Client) {
	summary := s.session.Summary()

	resp := protocol.SummaryResponse{
		SessionID:           summary.SessionID,
		Events:              summary.Events,
		Late:                summary.Late,
		Uncompensated:       summary.Uncompensated,
		Invalid:             summary.Invalid,
		DroppedCalibrations: summary.DroppedCalibrations,
	}
	for id, d := range summary.Domains {
		resp.Domains = append(resp.Domains, protocol.SummaryDomain{
			Domain:        string(id),
			Events:        d.Events,
			Invalid:       d.Invalid,
			Uncompensated: d.Uncompensated,
			Late:          d.Late,
			Pushed:        d.Pushed,
			Overflow:      d.Overflow,
			Regressions:   d.Regressions,
		})
	}
	for _, p := range summary.Pairs {
		resp.Pairs = append(resp.Pairs, protocol.SummaryPair{
			Stimulus: string(p.Stimulus),
			Response: string(p.Response),
			Count:    p.Count,
			Mean:     p.Mean,
			Median:   p.Median,
			P95:      p.P95,
			P99:      p.P99,
			Jitter:   p.Jitter,
			Min:      p.Min,
			Max:      p.Max,
		})
	}

	if err := s.sendMessage(client, protocol.TypeSummaryResponse, resp); err != nil {
		log.Printf("Error sending summary: %v", err)
	}
}

// sendMessage queues a JSON message for a client
func (s *Server) sendMessage(client *Client, msgType string, payload interface{}) error {
	msg := protocol.Message{Type: msgType, Payload: payload}
	select {
	case client.sendChan <- msg:
		return nil
	default:
		return fmt.Errorf("client %s send queue full", client.Name)
	}
}

// sendError queues a server/error message for a client
func (s *Server) sendError(client *Client, code string, err error) {
	log.Printf("Client %s: %s: %v", client.Name, code, err)
	s.sendMessage(client, protocol.TypeServerError, protocol.ServerError{
		Error:   code,
		Message: err.Error(),
	})
}

// reparse round-trips an envelope payload into a concrete message struct.
func reparse(payload interface{}, dst interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
