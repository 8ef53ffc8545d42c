package app

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// 処理中のリクエストが完了するまで、シャットダウン後の処理は呼ばれない
func TestServeUntil_RunsHooksAfterInFlightRequests(t *testing.T) {
	var consumerStopped atomic.Bool
	var stoppedDuringRequest atomic.Bool
	started := make(chan struct{})

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		stoppedDuringRequest.Store(consumerStopped.Load())
		w.WriteHeader(http.StatusOK)
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var order []string
	var mu sync.Mutex
	record := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			if name == "stop_consumer" {
				consumerStopped.Store(true)
			}
		}
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- serveUntil(ctx, server, ln, 5*time.Second, record("stop_consumer"), record("wait_archive"))
	}()

	respDone := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			respDone <- 0
			return
		}
		resp.Body.Close()
		respDone <- resp.StatusCode
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not reach the server")
	}
	cancel()

	if err := <-serveDone; err != nil {
		t.Fatalf("serveUntil returned error: %v", err)
	}
	if code := <-respDone; code != http.StatusOK {
		t.Errorf("in-flight request status = %d, want 200", code)
	}
	if stoppedDuringRequest.Load() {
		t.Error("consumer was stopped before the in-flight request finished")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "stop_consumer" || order[1] != "wait_archive" {
		t.Errorf("hook order = %v, want [stop_consumer wait_archive]", order)
	}
}
