package storage

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
)

func TestRemoteStore_WriteBlob_Leak(t *testing.T) {
	remote, srv := newTestRemote(t, "zstd")

	// Make the server block on Write
	release := make(chan struct{})
	srv.BlockWrites(release)

	// Warmup to ensure lazy goroutines are started
	remote.Has(context.Background(), "warmup.zip")

	// Measure baseline
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	startRoutines := runtime.NumGoroutine()

	putCtx, cancel := context.WithCancel(context.Background())

	// zeroReader always returns data, never EOF, keeping the compressor busy.
	input := &zeroReader{}
	d := digest.Digest{Hash: "1111111111111111111111111111111111111111111111111111111111111111", Size: 1024 * 1024 * 100}

	done := make(chan error)
	go func() {
		done <- remote.writeBlob(putCtx, d, input)
	}()

	// Wait for the write to start and fill buffers.
	time.Sleep(200 * time.Millisecond)

	cancel()

	select {
	case <-done:
		// expected
	case <-time.After(2 * time.Second):
		t.Fatal("writeBlob did not return after context cancel")
	}

	// Unblock server handler so it can exit
	close(release)

	// Allow time for goroutines to exit
	time.Sleep(200 * time.Millisecond)
	runtime.GC()
	endRoutines := runtime.NumGoroutine()

	if endRoutines > startRoutines {
		t.Fatalf("Goroutine leak detected: start=%d, end=%d", startRoutines, endRoutines)
	}
}

type zeroReader struct{}

func (z *zeroReader) Read(p []byte) (n int, err error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
