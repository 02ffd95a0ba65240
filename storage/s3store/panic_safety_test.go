package s3store

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/absfs/docsafe/storage"
	"github.com/absfs/docsafe/storage/s3store/s3mem"
)

// panicAPI panics on selected part uploads.
type panicAPI struct {
	*s3mem.API
	panicOnPart int
	calls       atomic.Int32
}

func (p *panicAPI) PutObjectPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (minio.CompletePart, error) {
	p.calls.Add(1)
	if partNumber == p.panicOnPart {
		panic("test panic in part upload")
	}
	return p.API.PutObjectPart(ctx, bucket, key, uploadID, partNumber, r, size)
}

// TestUploadWorkerPanicRecovery tests that a panicking part upload fails the
// write instead of crashing and that the upload is aborted
func TestUploadWorkerPanicRecovery(t *testing.T) {
	api := &panicAPI{API: s3mem.New(), panicOnPart: 2}
	s, err := New(api, storage.MustParseUri("s3://home/panic"), WithPartSize(MinPartSize), WithWorkers(2))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	target, err := s.Root().Resolve("big.bin")
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}

	w, err := s.Write(context.Background(), target)
	if err != nil {
		t.Fatalf("Failed to open writer: %v", err)
	}
	data := make([]byte, 4*MinPartSize)
	_, _ = w.Write(data)

	err = w.Close()
	if err == nil {
		t.Fatal("Expected error from panic recovery, got nil")
	}
	if !strings.Contains(err.Error(), "panic in upload worker") {
		t.Errorf("Expected panic information in error, got %q", err.Error())
	}

	st := api.Stats()
	if st.Completes != 0 {
		t.Errorf("upload was completed despite the panic")
	}
	if st.Aborts != 1 || st.Pending != 0 {
		t.Errorf("expected the upload to be aborted, stats %+v", st)
	}
	if keys := api.Keys("home"); len(keys) != 0 {
		t.Errorf("expected nothing published, got %v", keys)
	}
	t.Logf("Successfully recovered from panic: %v", err)
}

// TestUploadWorkersNoPanic tests the normal multipart path through the pool
func TestUploadWorkersNoPanic(t *testing.T) {
	api := &panicAPI{API: s3mem.New()}
	s, err := New(api, storage.MustParseUri("s3://home/ok"), WithPartSize(MinPartSize), WithWorkers(3))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	target, _ := s.Root().Resolve("big.bin")

	w, err := s.Write(context.Background(), target)
	if err != nil {
		t.Fatalf("Failed to open writer: %v", err)
	}
	if _, err := w.Write(make([]byte, 5*MinPartSize+1)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := api.calls.Load(); got != 6 {
		t.Errorf("expected 6 part uploads, got %d", got)
	}
}
