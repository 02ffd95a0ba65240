// Package s3mem is an in-memory s3store.ObjectAPI for tests and local runs.
package s3mem

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

type object struct {
	data    []byte
	modTime time.Time
}

type upload struct {
	bucket string
	key    string
	parts  map[int][]byte
}

// Stats counts the calls an API has served.
type Stats struct {
	Puts      int
	Parts     int
	Completes int
	Aborts    int
	Pending   int // multipart uploads neither completed nor aborted
}

// API stores objects in memory. The zero value is not usable; call New.
type API struct {
	mu      sync.Mutex
	objects map[string]object // bucket + "/" + key
	uploads map[string]*upload
	stats   Stats

	// FailPart makes PutObjectPart fail for this part number when non-zero.
	FailPart int
}

// New returns an empty store.
func New() *API {
	return &API{
		objects: make(map[string]object),
		uploads: make(map[string]*upload),
	}
}

// Stats returns a snapshot of the call counters.
func (a *API) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Pending = len(a.uploads)
	return s
}

// Keys returns every stored key of bucket in order.
func (a *API) Keys(bucket string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var keys []string
	for k := range a.objects {
		if rest, ok := strings.CutPrefix(k, bucket+"/"); ok {
			keys = append(keys, rest)
		}
	}
	sort.Strings(keys)
	return keys
}

func noSuchKey(key string) error {
	return minio.ErrorResponse{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist.",
		Key:        key,
		StatusCode: http.StatusNotFound,
	}
}

func noSuchUpload(id string) error {
	return minio.ErrorResponse{
		Code:       "NoSuchUpload",
		Message:    "The specified upload does not exist: " + id,
		StatusCode: http.StatusNotFound,
	}
}

func (a *API) ListObjects(ctx context.Context, bucket, prefix string) <-chan minio.ObjectInfo {
	a.mu.Lock()
	var infos []minio.ObjectInfo
	for k, o := range a.objects {
		key, ok := strings.CutPrefix(k, bucket+"/")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, minio.ObjectInfo{Key: key, Size: int64(len(o.data)), LastModified: o.modTime})
	}
	a.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	ch := make(chan minio.ObjectInfo)
	go func() {
		defer close(ch)
		for _, info := range infos {
			select {
			case ch <- info:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (a *API) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.objects[bucket+"/"+key]
	if !ok {
		return nil, noSuchKey(key)
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

func (a *API) StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return minio.ObjectInfo{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.objects[bucket+"/"+key]
	if !ok {
		return minio.ObjectInfo{}, noSuchKey(key)
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(o.data)), LastModified: o.modTime}, nil
}

func (a *API) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("short body: got %d bytes, want %d", len(data), size)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[bucket+"/"+key] = object{data: data, modTime: time.Now()}
	a.stats.Puts++
	return nil
}

func (a *API) RemoveObject(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, bucket+"/"+key)
	return nil
}

func (a *API) NewMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads[id] = &upload{bucket: bucket, key: key, parts: make(map[int][]byte)}
	return id, nil
}

func (a *API) PutObjectPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (minio.CompletePart, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.CompletePart{}, err
	}
	if err := ctx.Err(); err != nil {
		return minio.CompletePart{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailPart != 0 && a.FailPart == partNumber {
		return minio.CompletePart{}, minio.ErrorResponse{Code: "InternalError", Message: "injected failure", StatusCode: http.StatusInternalServerError}
	}
	up, ok := a.uploads[uploadID]
	if !ok || up.bucket != bucket || up.key != key {
		return minio.CompletePart{}, noSuchUpload(uploadID)
	}
	if int64(len(data)) != size {
		return minio.CompletePart{}, fmt.Errorf("short part: got %d bytes, want %d", len(data), size)
	}
	up.parts[partNumber] = data
	a.stats.Parts++
	sum := md5.Sum(data)
	return minio.CompletePart{PartNumber: partNumber, ETag: hex.EncodeToString(sum[:])}, nil
}

func (a *API) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []minio.CompletePart) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	up, ok := a.uploads[uploadID]
	if !ok || up.bucket != bucket || up.key != key {
		return noSuchUpload(uploadID)
	}

	var buf bytes.Buffer
	last := 0
	for _, p := range parts {
		if p.PartNumber <= last {
			return minio.ErrorResponse{Code: "InvalidPartOrder", StatusCode: http.StatusBadRequest}
		}
		last = p.PartNumber
		data, ok := up.parts[p.PartNumber]
		if !ok {
			return minio.ErrorResponse{Code: "InvalidPart", StatusCode: http.StatusBadRequest}
		}
		buf.Write(data)
	}

	delete(a.uploads, uploadID)
	a.objects[bucket+"/"+key] = object{data: buf.Bytes(), modTime: time.Now()}
	a.stats.Completes++
	return nil
}

func (a *API) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.uploads[uploadID]; !ok {
		return noSuchUpload(uploadID)
	}
	delete(a.uploads, uploadID)
	a.stats.Aborts++
	return nil
}
