package commandchannel

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"
)

// fakeTransport is an in-memory transport.Channel that echoes back a
// canned Response for whatever Request it receives, rewriting the id to
// match. It lets commandchannel tests exercise framing without a real
// socket.
type fakeTransport struct {
	inbox   bytes.Buffer
	outbox  bytes.Buffer
	closed  bool
	rewrite func(req Request) Response
}

func (f *fakeTransport) Send(ctx context.Context, b []byte) error {
	f.inbox.Write(b)

	// Decode the frame we just received and synthesize a reply frame.
	length := binary.BigEndian.Uint32(b[:4])
	var req Request
	if err := json.Unmarshal(b[4:4+length], &req); err != nil {
		return err
	}
	resp := f.rewrite(req)
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	f.outbox.Write(frame)
	return nil
}

func (f *fakeTransport) RecvExact(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := f.outbox.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *fakeTransport) Readable() bool { return f.outbox.Len() > 0 }
func (f *fakeTransport) Close() error   { f.closed = true; return nil }

func TestExecuteRoundTrip(t *testing.T) {
	ft := &fakeTransport{rewrite: func(req Request) Response {
		return Response{ID: req.ID, Status: "ok", Stdout: []byte("hello")}
	}}
	ch := New(ft)

	resp, err := ch.Execute(context.Background(), Request{Cmd: "run"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != "ok" || string(resp.Stdout) != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestExecuteBusy(t *testing.T) {
	ft := &fakeTransport{rewrite: func(req Request) Response {
		return Response{Status: "ok"}
	}}
	ch := New(ft)
	ch.busy = true

	_, err := ch.Execute(context.Background(), Request{Cmd: "run"})
	if err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestExecuteMismatchedID(t *testing.T) {
	ft := &fakeTransport{rewrite: func(req Request) Response {
		return Response{ID: req.ID + 1, Status: "ok"}
	}}
	ch := New(ft)

	_, err := ch.Execute(context.Background(), Request{Cmd: "run"})
	if err == nil {
		t.Fatal("expected error for mismatched response id")
	}
}

func TestPingFailure(t *testing.T) {
	ft := &fakeTransport{rewrite: func(req Request) Response {
		return Response{Status: "err", Error: "not ready"}
	}}
	ch := New(ft)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ch.Ping(ctx); err == nil {
		t.Fatal("expected ping failure")
	}
}
