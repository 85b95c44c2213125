package notify

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port:   0, // random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	return server
}

func dial(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/events", nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read event: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}
	return ev
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0})

	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}
}

func TestQueueProcessedBroadcast(t *testing.T) {
	server := startTestServer(t)
	conn := dial(t, server)

	// Wait until the server has registered the client.
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	server.QueueProcessed(3)

	ev := readEvent(t, conn)
	if ev.Type != EventQueueProcessed {
		t.Fatalf("expected %s, got %s", EventQueueProcessed, ev.Type)
	}
	if ev.Timestamp.IsZero() {
		t.Error("event has no timestamp")
	}

	var data QueueProcessedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if data.Delivered != 3 {
		t.Errorf("expected delivered=3, got %d", data.Delivered)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	server := startTestServer(t)

	conns := []*websocket.Conn{dial(t, server), dial(t, server), dial(t, server)}

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() < len(conns) {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", len(conns), server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	server.QueueChanged(5)

	for i, conn := range conns {
		ev := readEvent(t, conn)
		if ev.Type != EventQueueChanged {
			t.Errorf("client %d: expected %s, got %s", i, EventQueueChanged, ev.Type)
		}
	}
}

func TestConnectivityEvent(t *testing.T) {
	server := startTestServer(t)
	conn := dial(t, server)

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	server.Connectivity(true)

	ev := readEvent(t, conn)
	if ev.Type != EventConnectivity {
		t.Fatalf("expected %s, got %s", EventConnectivity, ev.Type)
	}
	var data ConnectivityData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if !data.Online {
		t.Error("expected online=true")
	}
}
