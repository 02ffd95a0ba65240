package s3store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"github.com/absfs/docsafe/errs"
	"github.com/absfs/docsafe/storage"
)

// uploadWriter buffers one part. The first part that overflows the buffer
// turns the write into a multipart upload.
type uploadWriter struct {
	ctx    context.Context
	store  *Store
	key    string
	loc    storage.AbsoluteLocation
	buf    []byte
	parts  int
	up     *multipart
	failed error
	closed bool
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errs.ErrAlreadyClosed
	}
	if w.failed != nil {
		return 0, w.failed
	}
	if err := w.ctx.Err(); err != nil {
		w.failed = err
		return 0, err
	}

	size := int(w.store.partSize)
	written := 0
	for len(p) > 0 {
		// A full buffer is only sent once more data arrives, so content of
		// exactly one part still goes out as a single PUT.
		if len(w.buf) == size {
			if err := w.flush(); err != nil {
				w.failed = err
				return written, err
			}
		}
		take := min(size-len(w.buf), len(p))
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		written += take
	}
	return written, nil
}

func (w *uploadWriter) flush() error {
	if w.up == nil {
		up, err := startMultipart(w.ctx, w.store, w.key)
		if err != nil {
			return errs.NewBackendIOError("write", w.loc.String(), err)
		}
		w.up = up
	}
	w.parts++
	data := w.buf
	w.buf = nil
	if err := w.up.submit(partJob{number: w.parts, data: data}); err != nil {
		return errs.NewBackendIOError("write", w.loc.String(), err)
	}
	return nil
}

func (w *uploadWriter) Close() error {
	if w.closed {
		return errs.ErrAlreadyClosed
	}
	w.closed = true

	if w.failed != nil {
		w.abort()
		return w.failed
	}
	if err := w.ctx.Err(); err != nil {
		w.abort()
		return err
	}

	if w.up == nil {
		err := w.store.api.PutObject(w.ctx, w.store.bucket, w.key, bytes.NewReader(w.buf), int64(len(w.buf)))
		w.buf = nil
		if err != nil {
			return errs.NewBackendIOError("write", w.loc.String(), err)
		}
		return nil
	}

	if len(w.buf) > 0 {
		if err := w.flush(); err != nil {
			w.abort()
			return err
		}
	}
	if err := w.up.complete(); err != nil {
		w.abort()
		return errs.NewBackendIOError("write", w.loc.String(), err)
	}
	return nil
}

func (w *uploadWriter) abort() {
	w.buf = nil
	if w.up == nil {
		return
	}
	if err := w.up.abort(context.WithoutCancel(w.ctx)); err != nil {
		w.store.log.Warn("failed to abort multipart upload",
			zap.String("location", errs.Obfuscate(w.loc.String())), zap.Error(err))
	}
}

// partJob is one part handed to the upload workers.
type partJob struct {
	number int
	data   []byte
}

// multipart runs one multipart upload with a fixed pool of part workers.
// At most workers parts are in flight and one more may wait in the queue.
type multipart struct {
	api      ObjectAPI
	bucket   string
	key      string
	uploadID string

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan partJob
	wg     sync.WaitGroup
	stop   sync.Once

	mu    sync.Mutex
	done  []minio.CompletePart
	err   error
	final atomic.Bool
}

func startMultipart(ctx context.Context, s *Store, key string) (*multipart, error) {
	uploadID, err := s.api.NewMultipartUpload(ctx, s.bucket, key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &multipart{
		api:      s.api,
		bucket:   s.bucket,
		key:      key,
		uploadID: uploadID,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(chan partJob, 1),
	}
	for range s.workers {
		m.wg.Add(1)
		go m.worker()
	}
	return m, nil
}

func (m *multipart) worker() {
	defer m.wg.Done()
	for job := range m.jobs {
		if m.failed() != nil {
			continue
		}
		m.upload(job)
	}
}

func (m *multipart) upload(job partJob) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(fmt.Errorf("panic in upload worker: %v", r))
		}
	}()
	part, err := m.api.PutObjectPart(m.ctx, m.bucket, m.key, m.uploadID, job.number, bytes.NewReader(job.data), int64(len(job.data)))
	if err != nil {
		m.fail(fmt.Errorf("part %d: %w", job.number, err))
		return
	}
	m.mu.Lock()
	m.done = append(m.done, part)
	m.mu.Unlock()
}

func (m *multipart) submit(job partJob) error {
	if err := m.failed(); err != nil {
		return err
	}
	select {
	case m.jobs <- job:
		return nil
	case <-m.ctx.Done():
		if err := m.failed(); err != nil {
			return err
		}
		return m.ctx.Err()
	}
}

func (m *multipart) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		m.err = err
		m.cancel()
	}
}

func (m *multipart) failed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// drain stops accepting parts and waits for the workers.
func (m *multipart) drain() {
	m.stop.Do(func() { close(m.jobs) })
	m.wg.Wait()
}

// complete publishes the object. It runs at most once.
func (m *multipart) complete() error {
	if !m.final.CompareAndSwap(false, true) {
		return errCompleted
	}
	m.drain()
	defer m.cancel()
	if err := m.failed(); err != nil {
		return err
	}

	m.mu.Lock()
	parts := append([]minio.CompletePart(nil), m.done...)
	m.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	return m.api.CompleteMultipartUpload(m.ctx, m.bucket, m.key, m.uploadID, parts)
}

func (m *multipart) abort(ctx context.Context) error {
	m.final.Store(true)
	m.cancel()
	m.drain()
	return m.api.AbortMultipartUpload(ctx, m.bucket, m.key, m.uploadID)
}
