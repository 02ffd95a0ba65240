// Package storage defines the backend-agnostic storage contract used by
// docsafe and the location types passed across it.
//
// Backends only ever see absolute, resolved locations and only ever carry
// ciphertext. Two implementations live in subpackages: fsstore (any
// absfs.FileSystem) and s3store (S3-compatible object stores).
package storage

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync/atomic"
	"time"
)

// ErrSequenceConsumed is yielded when a List sequence is ranged a second time.
var ErrSequenceConsumed = errors.New("storage: listing sequence already consumed")

// ResolvedResource is a listed or read resource with its modification time.
type ResolvedResource struct {
	Location AbsoluteLocation
	ModTime  time.Time
}

// Backend is the uniform storage contract.
//
// List returns a lazy, finite sequence of the resources under root. A root
// that does not exist yields an empty sequence. Each call computes a fresh
// sequence that may be ranged once.
//
// Write creates missing intermediate structure. The resource becomes visible
// only when the returned writer is closed successfully; a write that failed
// or whose context was cancelled publishes nothing. Concurrent writers to one
// location race and the last successful Close wins.
//
// Remove deletes a resource and everything below a directory-like location.
// Removing something that does not exist succeeds.
type Backend interface {
	List(ctx context.Context, root AbsoluteLocation) iter.Seq2[ResolvedResource, error]
	Read(ctx context.Context, loc AbsoluteLocation) (io.ReadCloser, error)
	Write(ctx context.Context, loc AbsoluteLocation) (io.WriteCloser, error)
	Remove(ctx context.Context, loc AbsoluteLocation) error
	Exists(ctx context.Context, loc AbsoluteLocation) (bool, error)
}

// Once wraps seq so that it can be ranged a single time. Later ranges yield
// ErrSequenceConsumed.
func Once[T any](seq iter.Seq2[T, error]) iter.Seq2[T, error] {
	var used atomic.Bool
	return func(yield func(T, error) bool) {
		if used.Swap(true) {
			var zero T
			yield(zero, ErrSequenceConsumed)
			return
		}
		seq(yield)
	}
}

// Collect drains a listing into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadAll reads a whole resource. It is meant for small descriptors, never
// for document content.
func ReadAll(ctx context.Context, b Backend, loc AbsoluteLocation) ([]byte, error) {
	r, err := b.Read(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// WriteAll publishes data at loc with a single Write followed by Close.
func WriteAll(ctx context.Context, b Backend, loc AbsoluteLocation, data []byte) error {
	w, err := b.Write(ctx, loc)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
