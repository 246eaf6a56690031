package engine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		end := time.Now().Add(300 * time.Millisecond)
		if ok && deadline.Before(end) {
			end = deadline
		}
		buf := bytes.Repeat([]byte{0xAB}, 8192)
		for time.Now().Before(end) {
			if _, err := w.Write(buf); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestSaturationDriver_RunDownload_CountsBytes(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ServerBaseURL = srv.URL
	bus := NewBus()
	registry := NewRegistry(bus, time.Second, 2*time.Second)
	driver := NewSaturationDriver(cfg, NewDataSource(), registry, bus)
	acct := NewThroughputAccountant()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	params := OptimalParameters{StreamCount: 2, PendingPerStream: 1, ChunkSize: 64 * 1024}
	_ = driver.RunDownload(ctx, params, acct)

	assert.Greater(t, acct.SlidingWindowBps(), 0.0)
	assert.Equal(t, Counts{}, registry.Counts(), "all streams must be deregistered once the phase ends")
}

func TestSaturationDriver_RunUpload_PostsChunks(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ServerBaseURL = srv.URL
	cfg.UploadTimeout = 2 * time.Second
	bus := NewBus()
	registry := NewRegistry(bus, time.Second, 2*time.Second)
	driver := NewSaturationDriver(cfg, NewDataSource(), registry, bus)
	acct := NewThroughputAccountant()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	params := OptimalParameters{StreamCount: 2, PendingPerStream: 2, ChunkSize: 16 * 1024}
	_ = driver.RunUpload(ctx, params, false, acct)

	assert.Greater(t, acct.SlidingWindowBps(), 0.0)
}

func TestSaturationDriver_PostOnce_RetriesExactlyOnce(t *testing.T) {
	var posts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ServerBaseURL = srv.URL
	cfg.UploadTimeout = time.Second
	driver := NewSaturationDriver(cfg, NewDataSource(), NewRegistry(NewBus(), time.Second, 2*time.Second), NewBus())

	client, err := newStreamClient(cfg, cfg.UploadTimeout)
	require.NoError(t, err)

	ok := driver.postOnce(context.Background(), client, []byte{1, 2, 3})
	assert.False(t, ok, "every attempt returns 500, so postOnce must report failure")
	assert.Equal(t, int32(2), atomic.LoadInt32(&posts), "postOnce must retry exactly once, never more")
}

func TestSaturationDriver_RunDownload_ReplacesFailedStream(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			// first stream's connection is dropped immediately
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
		}
		w.Write(bytes.Repeat([]byte{1}, 4096))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ServerBaseURL = srv.URL
	bus := NewBus()
	registry := NewRegistry(bus, time.Second, 2*time.Second)
	driver := NewSaturationDriver(cfg, NewDataSource(), registry, bus)
	acct := NewThroughputAccountant()

	// The phase must outlast replacementRunwayFloor for the failed stream to
	// be replaced.
	ctx, cancel := context.WithTimeout(context.Background(), replacementRunwayFloor+500*time.Millisecond)
	defer cancel()

	params := OptimalParameters{StreamCount: 1, PendingPerStream: 1, ChunkSize: 4096}
	err := driver.RunDownload(ctx, params, acct)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 2)
}
