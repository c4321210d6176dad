package uds

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modoterra/diaglog/pkg/aggregator"
	"github.com/modoterra/diaglog/pkg/core"
)

func startServer(t *testing.T, register func(*Server)) (*Server, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := NewServer(sock, logger)
	if register != nil {
		register(srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
		<-errCh
	})

	select {
	case <-srv.Ready():
	case err := <-errCh:
		errCh <- err
		t.Fatalf("server exited: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	return srv, sock
}

func dial(t *testing.T, sock string) *Client {
	t.Helper()
	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func requestCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPingRoundTrip(t *testing.T) {
	_, sock := startServer(t, func(s *Server) {
		s.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
			return PingResponse{Pong: true, Version: "test"}, nil
		})
	})
	client := dial(t, sock)

	pong, err := client.Ping(requestCtx(t))
	if err != nil {
		t.Fatalf("ping request: %v", err)
	}
	if !pong.Pong || pong.Version != "test" {
		t.Errorf("unexpected pong: %+v", pong)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, sock := startServer(t, nil)
	client := dial(t, sock)

	_, err := client.Request(requestCtx(t), "NoSuchMethod", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if !strings.Contains(remote.Message, "unknown method") {
		t.Errorf("unexpected message: %q", remote.Message)
	}
}

func TestHandlerError(t *testing.T) {
	_, sock := startServer(t, func(s *Server) {
		s.Handle(MethodExport, func(_ context.Context, _ Message) (any, error) {
			return nil, errors.New("export failed: disk on fire")
		})
	})
	client := dial(t, sock)

	_, err := client.Export(requestCtx(t))
	if err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestTailRequestPayload(t *testing.T) {
	_, sock := startServer(t, func(s *Server) {
		s.Handle(MethodTail, func(_ context.Context, req Message) (any, error) {
			var tr TailRequest
			if err := req.UnmarshalData(&tr); err != nil {
				return nil, err
			}
			lines := make([]aggregator.Entry, tr.N)
			for i := range lines {
				lines[i] = aggregator.Entry{Seq: uint64(i), Level: core.LevelInfo, Text: "line\n", Size: 5}
			}
			return TailResponse{Lines: lines}, nil
		})
	})
	client := dial(t, sock)

	resp, err := client.Tail(requestCtx(t), 3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(resp.Lines) != 3 || resp.Lines[2].Seq != 2 || resp.Lines[0].Level != core.LevelInfo {
		t.Errorf("unexpected tail: %+v", resp.Lines)
	}
}

func TestExportCarriesBinaryArtifact(t *testing.T) {
	payload := make([]byte, 2<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, sock := startServer(t, func(s *Server) {
		s.Handle(MethodExport, func(_ context.Context, _ Message) (any, error) {
			return ExportResponse{Artifact: aggregator.Artifact{
				Name:        "diagnostics-20250101T000000Z.zip",
				ContentType: "application/zip",
				Data:        payload,
			}}, nil
		})
	})
	client := dial(t, sock)

	resp, err := client.Export(requestCtx(t))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if resp.Artifact.ContentType != "application/zip" || len(resp.Artifact.Data) != len(payload) {
		t.Fatalf("unexpected artifact: %s %d bytes", resp.Artifact.ContentType, len(resp.Artifact.Data))
	}
	for i := range payload {
		if resp.Artifact.Data[i] != payload[i] {
			t.Fatalf("artifact byte %d differs", i)
		}
	}
}

func TestBroadcastEvent(t *testing.T) {
	srv, sock := startServer(t, func(s *Server) {
		s.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
			return PingResponse{Pong: true}, nil
		})
	})
	client := dial(t, sock)

	evtCh := make(chan Message, 1)
	client.OnEvent(func(msg Message) {
		evtCh <- msg
	})

	// Ensure connection is established by doing a ping first
	if _, err := client.Ping(requestCtx(t)); err != nil {
		t.Fatalf("ping: %v", err)
	}

	evt, err := NewEvent(EventStatsChanged, StatsResponse{Stats: aggregator.Stats{Entries: 7}})
	if err != nil {
		t.Fatal(err)
	}
	srv.Broadcast(evt)

	select {
	case msg := <-evtCh:
		if msg.Method != EventStatsChanged {
			t.Errorf("expected method %s, got %s", EventStatsChanged, msg.Method)
		}
		var sr StatsResponse
		if err := msg.UnmarshalData(&sr); err != nil {
			t.Fatal(err)
		}
		if sr.Stats.Entries != 7 {
			t.Errorf("entries: got %d", sr.Stats.Entries)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for broadcast event")
	}
}

func TestRequestAfterServerShutdown(t *testing.T) {
	srv, sock := startServer(t, nil)
	client := dial(t, sock)

	// Round trip so the server has registered the connection.
	_, _ = client.Request(requestCtx(t), "NoSuchMethod", nil)

	srv.Shutdown()
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe shutdown")
	}
	if _, err := client.Ping(requestCtx(t)); err == nil {
		t.Error("expected error after shutdown")
	}
}

func TestUnmarshalDataEmpty(t *testing.T) {
	var pr PingResponse
	if err := (Message{Method: MethodPing}).UnmarshalData(&pr); err != nil {
		t.Fatal(err)
	}
	if pr.Pong {
		t.Error("empty payload should leave value untouched")
	}
}

func TestSlowRequestDoesNotBlockConnection(t *testing.T) {
	release := make(chan struct{})
	_, sock := startServer(t, func(s *Server) {
		s.Handle(MethodExport, func(_ context.Context, _ Message) (any, error) {
			select {
			case <-release:
			case <-time.After(5 * time.Second):
			}
			return ExportResponse{}, nil
		})
		s.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
			return PingResponse{Pong: true}, nil
		})
	})
	client := dial(t, sock)

	exportDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := client.Export(ctx)
		exportDone <- err
	}()

	pong, err := client.Ping(requestCtx(t))
	if err != nil {
		t.Fatalf("ping while export in flight: %v", err)
	}
	if !pong.Pong {
		t.Error("expected pong")
	}
	select {
	case <-exportDone:
		t.Fatal("export finished before release")
	default:
	}

	close(release)
	if err := <-exportDone; err != nil {
		t.Errorf("export: %v", err)
	}
}
