//go:build linux

package nestedhelper

import (
	"context"
	"net"
	"testing"
)

func TestManagerUpsertRejectsNonTCP(t *testing.T) {
	mgr, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mgr.Close()

	if err := mgr.Upsert(context.Background(), "udp", 19999, 3, 52000); err == nil {
		t.Fatal("expected an error for a non-tcp protocol")
	}
}

func TestManagerUpsertListensAndRemoveCloses(t *testing.T) {
	mgr, err := New(Options{BindHost: "127.0.0.1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mgr.Close()

	port := freeTCPPort(t)
	if err := mgr.Upsert(context.Background(), "tcp", port, 3, 52000); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// A second Upsert on the same key should replace the listener rather
	// than error out.
	if err := mgr.Upsert(context.Background(), "tcp", port, 3, 52000); err != nil {
		t.Fatalf("Upsert (replace): %v", err)
	}

	if err := mgr.Remove(context.Background(), "tcp", port); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	// Removing an already-removed forward is a no-op, not an error.
	if err := mgr.Remove(context.Background(), "tcp", port); err != nil {
		t.Fatalf("Remove (already gone): %v", err)
	}
}

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate free port: %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}
