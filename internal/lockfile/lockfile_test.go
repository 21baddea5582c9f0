package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.jsonl")

	handle, err := AcquireAppend(context.Background(), path, 0)
	if err != nil {
		t.Fatalf("AcquireAppend() error = %v", err)
	}
	if handle.Attempts() != 1 {
		t.Errorf("Attempts() = %d, want 1 on an uncontended lock", handle.Attempts())
	}

	if _, err := handle.File().WriteString("hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := handle.File().Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := handle.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("file content = %q, want %q", data, "hello\n")
	}
}

func TestAcquire_ContendedTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.jsonl")

	holder, err := AcquireAppend(context.Background(), path, 0)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer holder.Release()

	start := time.Now()
	_, err = AcquireAppend(context.Background(), path, 200*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("second acquire error = %v, want ErrTimeout", err)
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("timed out after %v, expected the full timeout window", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("timed out after %v, expected roughly the 200ms window", elapsed)
	}
}

func TestAcquire_SucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.jsonl")

	holder, err := AcquireAppend(context.Background(), path, 0)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		time.Sleep(120 * time.Millisecond)
		holder.Release()
		close(done)
	}()

	handle, err := AcquireAppend(context.Background(), path, DefaultTimeout)
	if err != nil {
		t.Fatalf("waiting acquire error = %v", err)
	}
	defer handle.Release()
	<-done

	if handle.Attempts() < 2 {
		t.Errorf("Attempts() = %d, want at least one busy retry", handle.Attempts())
	}
}

func TestAcquire_ConcurrentAppendersSerialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.jsonl")

	const writers = 2
	const perWriter = 20

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				handle, err := AcquireAppend(context.Background(), path, DefaultTimeout)
				if err != nil {
					errs <- fmt.Errorf("writer %d: %w", id, err)
					return
				}
				line := fmt.Sprintf("writer=%d seq=%d\n", id, i)
				if _, err := handle.File().WriteString(line); err != nil {
					errs <- err
					handle.Release()
					return
				}
				if err := handle.File().Sync(); err != nil {
					errs <- err
					handle.Release()
					return
				}
				if err := handle.Release(); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != writers*perWriter {
		t.Fatalf("got %d lines, want %d", len(lines), writers*perWriter)
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "writer=") || !strings.Contains(line, " seq=") {
			t.Errorf("torn or malformed line: %q", line)
		}
	}
}

func TestAcquire_MissingDirectoryFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "room.jsonl")

	start := time.Now()
	_, err := AcquireAppend(context.Background(), path, DefaultTimeout)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an error for a missing parent directory")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want a permanent failure rather than a timeout", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("failed after %v, expected a fast permanent failure", elapsed)
	}
}

func TestAcquire_CancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.jsonl")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := AcquireAppend(ctx, path, DefaultTimeout)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	if err := Probe(dir); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".lock_probe")); !os.IsNotExist(err) {
		t.Error("probe scratch file should be removed")
	}
}

func TestProbe_MissingDirectory(t *testing.T) {
	if err := Probe(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected Probe to fail in a missing directory")
	}
}
