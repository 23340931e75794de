// ABOUTME: WebSocket client for submitting timestamps to a reconciliation server
// ABOUTME: Handles connection, handshake, and message routing
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/Hearback-Project/hearback-go/internal/discovery"
	"github.com/Hearback-Project/hearback-go/internal/protocol"
	"github.com/gorilla/websocket"
)

// Config holds client configuration
type Config struct {
	// ServerAddr is the host:port to dial. Leave empty to discover a server
	// on the local network via mDNS.
	ServerAddr string
	ClientID   string
	Name       string
	Version    int
	Domains    []string
}

// Client is a WebSocket client for a reconciliation server. Reconciled
// events, summaries, and errors arrive on the exported channels.
type Client struct {
	config Config
	conn   *websocket.Conn
	mu     sync.RWMutex

	// Message channels
	Reconciled chan protocol.ReconciledEvent
	Summaries  chan protocol.SummaryResponse
	Errors     chan protocol.ServerError

	// Server identity from the handshake
	serverHello protocol.ServerHello

	// State
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a new WebSocket client
func NewClient(config Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:     config,
		Reconciled: make(chan protocol.ReconciledEvent, 256),
		Summaries:  make(chan protocol.SummaryResponse, 1),
		Errors:     make(chan protocol.ServerError, 16),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Discover browses mDNS for an advertised reconciliation server and returns
// its host:port, or an error if none answers within the timeout.
func Discover(timeout time.Duration) (string, error) {
	mgr := discovery.NewManager(discovery.Config{})
	defer mgr.Stop()

	if err := mgr.Browse(); err != nil {
		return "", fmt.Errorf("browse failed: %w", err)
	}

	select {
	case srv := <-mgr.Servers():
		return fmt.Sprintf("%s:%d", srv.Host, srv.Port), nil
	case <-time.After(timeout):
		return "", fmt.Errorf("no server discovered within %s", timeout)
	}
}

// Connect establishes WebSocket connection and performs handshake
func (c *Client) Connect() error {
	addr := c.config.ServerAddr
	if addr == "" {
		discovered, err := Discover(5 * time.Second)
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
		addr = discovered
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: "/hearback"}
	log.Printf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	// Perform handshake
	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	// Start message reader
	go c.readMessages()

	return nil
}

// handshake performs the protocol handshake
func (c *Client) handshake() error {
	hello := protocol.ClientHello{
		ClientID: c.config.ClientID,
		Name:     c.config.Name,
		Version:  c.config.Version,
		Domains:  c.config.Domains,
	}

	msg := protocol.Message{
		Type:    protocol.TypeClientHello,
		Payload: hello,
	}

	if err := c.sendJSON(msg); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	// Wait for server/hello (with timeout)
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{}) // Clear deadline

	var serverMsg protocol.Message
	if err := json.Unmarshal(data, &serverMsg); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}

	if serverMsg.Type != protocol.TypeServerHello {
		return fmt.Errorf("expected server/hello, got %s", serverMsg.Type)
	}

	payloadBytes, _ := json.Marshal(serverMsg.Payload)
	if err := json.Unmarshal(payloadBytes, &c.serverHello); err != nil {
		return fmt.Errorf("failed to parse server/hello payload: %w", err)
	}

	log.Printf("Handshake complete with server %s (session %s)", c.serverHello.Name, c.serverHello.SessionID)
	return nil
}

// ServerInfo returns the handshake details from the server.
func (c *Client) ServerInfo() protocol.ServerHello {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverHello
}

// sendJSON sends a JSON message
func (c *Client) sendJSON(msg protocol.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}

	return c.conn.WriteJSON(msg)
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer c.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("Read error: %v", err)
			return
		}

		c.handleJSONMessage(data)
	}
}

// handleJSONMessage routes JSON messages
func (c *Client) handleJSONMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse JSON message: %v", err)
		return
	}

	payloadBytes, _ := json.Marshal(msg.Payload)

	switch msg.Type {
	case protocol.TypeEventReconciled:
		var ev protocol.ReconciledEvent
		json.Unmarshal(payloadBytes, &ev)
		select {
		case c.Reconciled <- ev:
		case <-c.ctx.Done():
		}

	case protocol.TypeSummaryResponse:
		var resp protocol.SummaryResponse
		json.Unmarshal(payloadBytes, &resp)
		select {
		case c.Summaries <- resp:
		case <-c.ctx.Done():
		}

	case protocol.TypeServerError:
		var serr protocol.ServerError
		json.Unmarshal(payloadBytes, &serr)
		log.Printf("Server error: %s: %s", serr.Error, serr.Message)
		select {
		case c.Errors <- serr:
		case <-c.ctx.Done():
		}

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

// SubmitEvent sends a raw timestamped event for one clock domain.
func (c *Client) SubmitEvent(ev protocol.EventSubmit) error {
	return c.sendJSON(protocol.Message{
		Type:    protocol.TypeEventSubmit,
		Payload: ev,
	})
}

// SubmitCalibration sends a stimulus/response calibration observation.
func (c *Client) SubmitCalibration(pair protocol.CalibrationSubmit) error {
	return c.sendJSON(protocol.Message{
		Type:    protocol.TypeCalibrationPair,
		Payload: pair,
	})
}

// RequestSummary asks the server for the current session summary. The
// response arrives on the Summaries channel.
func (c *Client) RequestSummary() error {
	return c.sendJSON(protocol.Message{Type: protocol.TypeSummaryRequest})
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		log.Printf("Connection closed")
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
