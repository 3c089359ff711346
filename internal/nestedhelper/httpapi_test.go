package nestedhelper

import (
	"context"
	"net/http/httptest"
	"testing"
)

type fakeManager struct {
	upserts []forwardRequest
	removed []forwardRequest
	failOn  func(forwardRequest) error
}

func (f *fakeManager) Upsert(ctx context.Context, proto string, hostPort uint16, cid uint32, guestPort uint16) error {
	req := forwardRequest{Proto: proto, HostPort: hostPort, CID: cid, GuestPort: guestPort}
	if f.failOn != nil {
		if err := f.failOn(req); err != nil {
			return err
		}
	}
	f.upserts = append(f.upserts, req)
	return nil
}

func (f *fakeManager) Remove(ctx context.Context, proto string, hostPort uint16) error {
	f.removed = append(f.removed, forwardRequest{Proto: proto, HostPort: hostPort})
	return nil
}

func (f *fakeManager) Close() error { return nil }

func TestHandlerUpsertForward(t *testing.T) {
	mgr := &fakeManager{}
	srv := httptest.NewServer(NewHandler(nil, mgr))
	defer srv.Close()

	client := NewClient(srv.URL)
	if err := client.Upsert(context.Background(), "tcp", 9000, 3, 52000); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if len(mgr.upserts) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(mgr.upserts))
	}
	got := mgr.upserts[0]
	if got.HostPort != 9000 || got.CID != 3 || got.GuestPort != 52000 || got.Proto != "tcp" {
		t.Fatalf("unexpected forward request: %+v", got)
	}
}

func TestHandlerUpsertForwardDefaultsProto(t *testing.T) {
	mgr := &fakeManager{}
	srv := httptest.NewServer(NewHandler(nil, mgr))
	defer srv.Close()

	client := NewClient(srv.URL)
	if err := client.Upsert(context.Background(), "", 9001, 3, 52001); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(mgr.upserts) != 1 || mgr.upserts[0].Proto != "tcp" {
		t.Fatalf("expected proto to default to tcp, got %+v", mgr.upserts)
	}
}

func TestHandlerHealthz(t *testing.T) {
	mgr := &fakeManager{}
	srv := httptest.NewServer(NewHandler(nil, mgr))
	defer srv.Close()

	client := NewClient(srv.URL)
	if !client.Healthy(context.Background()) {
		t.Fatal("expected daemon to report healthy")
	}
}
