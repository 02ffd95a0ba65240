package fsstore

import (
	"context"

	"github.com/absfs/absfs"
	"go.uber.org/zap"

	"github.com/absfs/docsafe/errs"
	"github.com/absfs/docsafe/storage"
)

// stagedWriter writes into a hidden stage file and renames it over the
// target on a clean Close.
type stagedWriter struct {
	ctx    context.Context
	store  *Store
	file   absfs.File
	stage  string
	target string
	loc    storage.AbsoluteLocation
	failed error
	closed bool
}

func (w *stagedWriter) Write(p []byte) (int, error) {
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
	n, err := w.file.Write(p)
	if err != nil {
		w.failed = errs.NewBackendIOError("write", w.loc.String(), err)
		return n, w.failed
	}
	return n, nil
}

func (w *stagedWriter) Close() error {
	if w.closed {
		return errs.ErrAlreadyClosed
	}
	w.closed = true

	closeErr := w.file.Close()
	switch {
	case w.failed != nil:
		w.discard()
		return w.failed
	case w.ctx.Err() != nil:
		w.discard()
		return w.ctx.Err()
	case closeErr != nil:
		w.discard()
		return errs.NewBackendIOError("write", w.loc.String(), closeErr)
	}
	return w.publish()
}

func (w *stagedWriter) publish() error {
	fsys := w.store.fs
	err := fsys.Rename(w.stage, w.target)
	if err != nil {
		// Not every filesystem replaces an existing target on rename.
		if info, statErr := fsys.Stat(w.target); statErr == nil && !info.IsDir() {
			if rmErr := fsys.Remove(w.target); rmErr == nil || isNotExist(rmErr) {
				err = fsys.Rename(w.stage, w.target)
			}
		}
	}
	if err != nil {
		w.discard()
		return errs.NewBackendIOError("publish", w.loc.String(), err)
	}
	return nil
}

func (w *stagedWriter) discard() {
	if err := w.store.fs.Remove(w.stage); err != nil && !isNotExist(err) {
		w.store.log.Warn("failed to discard staged write",
			zap.String("location", errs.Obfuscate(w.loc.String())), zap.Error(err))
	}
}
