package commsutil

import (
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

const connectTestPrefix = "commsutil:connect_test"

func TestConnect_InvalidURL(t *testing.T) {
	nc, err := Connect("invalid://not-a-nats-server", "test-client")
	if err == nil {
		if nc != nil {
			nc.Close()
		}
		t.Fatalf("%s - expected error for invalid URL", connectTestPrefix)
	}
	if nc != nil {
		t.Errorf("%s - expected nil connection on error", connectTestPrefix)
	}
}

func TestConnectWithOptions_RetryOnFailedConnect(t *testing.T) {
	// Nothing listens on this port; with retry enabled the client is returned
	// in a reconnecting state instead of failing.
	nc, err := ConnectWithOptions("nats://127.0.0.1:1", ConnectOptions{
		Name:                 "retry-client",
		Reconnect:            true,
		ReconnectWait:        50 * time.Millisecond,
		RetryOnFailedConnect: true,
	})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", connectTestPrefix, err)
	}
	defer nc.Close()
	if nc.IsConnected() {
		t.Errorf("%s - expected client to be disconnected", connectTestPrefix)
	}
}

func TestConnectWithOptions_NoReconnectClosesOnDrop(t *testing.T) {
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create NATS server: %v", connectTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - NATS server failed to start", connectTestPrefix)
	}

	closed := make(chan struct{})
	nc, err := ConnectWithOptions(ns.ClientURL(), ConnectOptions{
		Name:        "single-shot",
		Reconnect:   true,
		NoReconnect: true,
		OnClosed:    func(*comms.Conn) { close(closed) },
	})
	if err != nil {
		ns.Shutdown()
		t.Fatalf("%s - unexpected error: %v", connectTestPrefix, err)
	}
	defer nc.Close()

	ns.Shutdown()
	ns.WaitForShutdown()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - connection still %v after server drop, want CLOSED", connectTestPrefix, nc.Status())
	}
	if nc.Status() != comms.CLOSED {
		t.Errorf("%s - status = %v, want CLOSED", connectTestPrefix, nc.Status())
	}
}
