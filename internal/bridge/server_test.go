package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dshills/lspbridge/internal/lsp"
)

func startTestServer(t *testing.T, srv *stubServer, cache *lsp.DiagnosticsCache) (*QueryServer, int) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	qs := NewQueryServer(newTestDispatcher(srv, cache), 2*time.Second, log)
	port, err := qs.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go qs.Serve(context.Background())
	t.Cleanup(func() {
		qs.Close()
		qs.Wait()
	})
	return qs, port
}

func queryLine(t *testing.T, port int, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func TestQueryServer_OneLineExchange(t *testing.T) {
	_, port := startTestServer(t, &stubServer{}, nil)

	reply := queryLine(t, port, `{"command":"status"}`)

	var resp map[string]any
	if err := json.Unmarshal([]byte(reply), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", reply, err)
	}
	if resp["status"] != "running" {
		t.Errorf("status = %v", resp["status"])
	}
}

func TestQueryServer_MalformedCommandAnswered(t *testing.T) {
	_, port := startTestServer(t, &stubServer{}, nil)

	reply := queryLine(t, port, `{"command": status}`)

	var resp map[string]any
	if err := json.Unmarshal([]byte(reply), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", reply, err)
	}
	if _, ok := resp["error"]; !ok {
		t.Errorf("malformed command reply = %v, want error payload", resp)
	}
}

func TestQueryServer_ConcurrentQueries(t *testing.T) {
	cache := lsp.NewDiagnosticsCache()
	cache.Set("file:///a.clj", []lsp.Diagnostic{{Message: "x"}})
	_, port := startTestServer(t, &stubServer{}, cache)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(2 * time.Second))
			if _, err := conn.Write([]byte(`{"command":"diagnostics"}` + "\n")); err != nil {
				errs <- err
				return
			}
			reply, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				errs <- err
				return
			}
			var resp map[string]any
			if err := json.Unmarshal([]byte(reply), &resp); err != nil {
				errs <- fmt.Errorf("unmarshal %q: %w", reply, err)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestQueryServer_StopCommand(t *testing.T) {
	qs, port := startTestServer(t, &stubServer{}, nil)

	reply := queryLine(t, port, `{"command":"stop"}`)

	var resp map[string]any
	if err := json.Unmarshal([]byte(reply), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", reply, err)
	}
	if resp["status"] != "stopping" {
		t.Errorf("status = %v", resp["status"])
	}

	select {
	case <-qs.StopRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("stop not signalled")
	}

	// The owner reacts to the signal by closing the listener.
	qs.Close()
	qs.Wait()

	if _, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond); err == nil {
		t.Error("dial succeeded after stop")
	}
}

func TestQueryServer_OversizedLineRejected(t *testing.T) {
	_, port := startTestServer(t, &stubServer{}, nil)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Well past the line cap, no newline anywhere. The server must answer
	// with an error instead of buffering the stream indefinitely.
	junk := make([]byte, 96*1024)
	for i := range junk {
		junk[i] = 'x'
	}
	if _, err := conn.Write(junk); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal([]byte(reply), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", reply, err)
	}
	if _, ok := resp["error"]; !ok {
		t.Errorf("oversized line reply = %v, want error payload", resp)
	}
}

func TestQueryServer_IdleConnectionAbandoned(t *testing.T) {
	_, port := startTestServer(t, &stubServer{}, nil)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Send nothing; the server should close the connection at the idle
	// deadline rather than pinning a handler goroutine.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("read returned data on an idle connection")
	}
}
