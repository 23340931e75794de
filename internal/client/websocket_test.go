// ABOUTME: Tests for WebSocket client implementation
// ABOUTME: Tests construction, handshake, and the submit/reconcile round trip
package client

import (
	"testing"
	"time"

	"github.com/Hearback-Project/hearback-go/internal/protocol"
	"github.com/Hearback-Project/hearback-go/internal/server"
	"github.com/Hearback-Project/hearback-go/pkg/hearback"
	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

func TestNewClient(t *testing.T) {
	config := Config{
		ServerAddr: "localhost:9137",
		ClientID:   "test-client",
		Name:       "Test Rig",
	}

	client := NewClient(config)
	if client == nil {
		t.Fatal("expected client to be created")
	}

	if client.config.ServerAddr != "localhost:9137" {
		t.Errorf("expected server addr localhost:9137, got %s", client.config.ServerAddr)
	}
	if client.IsConnected() {
		t.Error("expected new client to be disconnected")
	}
}

func TestDiscoverTimeout(t *testing.T) {
	// No rig advertises on the test network, so browsing must give up at the
	// deadline instead of hanging.
	start := time.Now()
	if _, err := Discover(100 * time.Millisecond); err == nil {
		t.Fatal("expected discovery to fail with no rig advertised")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("discovery took %s, expected it to respect the timeout", elapsed)
	}
}

func startTestServer(t *testing.T) *server.Server {
	t.Helper()
	srv := server.New(server.Config{
		Name:   "test-rig",
		Listen: "127.0.0.1:0",
		Session: hearback.Config{
			Domains: []timeline.DomainSpec{
				{ID: timeline.DomainKeyboard, Resolution: time.Microsecond},
				{ID: timeline.DomainAudioHeard, Resolution: time.Microsecond},
			},
			DomainPriority: []timeline.DomainID{timeline.DomainKeyboard, timeline.DomainAudioHeard},
			Pairs: []hearback.LatencyPair{
				{Stimulus: timeline.DomainKeyboard, Response: timeline.DomainAudioHeard},
			},
			PollInterval: time.Millisecond,
		},
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func connect(t *testing.T, srv *server.Server) *Client {
	t.Helper()
	c := NewClient(Config{
		ServerAddr: srv.Addr(),
		ClientID:   "test-client",
		Name:       "Test Rig",
		Version:    protocol.ProtocolVersion,
		Domains:    []string{"keyboard", "audio-heard"},
	})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestClientHandshake(t *testing.T) {
	srv := startTestServer(t)
	c := connect(t, srv)

	info := c.ServerInfo()
	if info.Name != "test-rig" {
		t.Errorf("expected server name test-rig, got %s", info.Name)
	}
	if info.Reference != "keyboard" {
		t.Errorf("expected reference keyboard, got %s", info.Reference)
	}
	if info.SessionID == "" {
		t.Error("expected a session ID in server hello")
	}
	if !c.IsConnected() {
		t.Error("expected client to be connected after handshake")
	}
}

func TestClientRoundTrip(t *testing.T) {
	srv := startTestServer(t)
	c := connect(t, srv)

	// Calibrate the audio domain 30ms ahead of the keyboard clock.
	for i := int64(0); i < 6; i++ {
		pair := protocol.CalibrationSubmit{
			StimulusDomain: "keyboard",
			ResponseDomain: "audio-heard",
			StimulusTick:   i * 10000,
			ResponseTick:   i*10000 + 30000,
		}
		if err := c.SubmitCalibration(pair); err != nil {
			t.Fatalf("calibration submit failed: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	submits := []protocol.EventSubmit{
		{Domain: "keyboard", RawTick: 0, Kind: "key", Code: 32},
		{Domain: "audio-heard", RawTick: 42000},
		{Domain: "keyboard", RawTick: 100000, Kind: "key", Code: 32},
		{Domain: "audio-heard", RawTick: 172000},
	}
	for _, ev := range submits {
		if err := c.SubmitEvent(ev); err != nil {
			t.Fatalf("event submit failed: %v", err)
		}
	}

	first := waitReconciled(t, c)
	if first.Domain != "keyboard" || first.Tick != 0 {
		t.Errorf("expected keyboard@0 first, got %s@%d", first.Domain, first.Tick)
	}
	second := waitReconciled(t, c)
	if second.Domain != "audio-heard" || second.Tick != 12000 {
		t.Errorf("expected audio-heard@12000 second, got %s@%d", second.Domain, second.Tick)
	}

	if err := c.RequestSummary(); err != nil {
		t.Fatalf("summary request failed: %v", err)
	}
	select {
	case resp := <-c.Summaries:
		if len(resp.Pairs) != 1 {
			t.Fatalf("expected 1 pair in summary, got %d", len(resp.Pairs))
		}
		if resp.Pairs[0].Count < 1 {
			t.Errorf("expected at least one matched pair, got %d", resp.Pairs[0].Count)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for summary response")
	}
}

func waitReconciled(t *testing.T, c *Client) protocol.ReconciledEvent {
	t.Helper()
	select {
	case ev := <-c.Reconciled:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reconciled event")
		return protocol.ReconciledEvent{}
	}
}
