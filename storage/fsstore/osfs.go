package fsstore

import (
	"os"
	"path/filepath"

	"github.com/absfs/absfs"
)

// FS is the part of absfs.FileSystem the store needs. Every absfs.FileSystem
// satisfies it.
type FS interface {
	Open(name string) (absfs.File, error)
	OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error)
	MkdirAll(name string, perm os.FileMode) error
	Remove(name string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
}

// OS returns an FS backed by the host filesystem. Names are slash-separated
// absolute host paths.
func OS() FS {
	return osFS{}
}

type osFS struct{}

func (osFS) Open(name string) (absfs.File, error) {
	f, err := os.Open(filepath.FromSlash(name))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (osFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	f, err := os.OpenFile(filepath.FromSlash(name), flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (osFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(filepath.FromSlash(name), perm)
}

func (osFS) Remove(name string) error {
	return os.Remove(filepath.FromSlash(name))
}

func (osFS) RemoveAll(path string) error {
	return os.RemoveAll(filepath.FromSlash(path))
}

func (osFS) Rename(oldpath, newpath string) error {
	return os.Rename(filepath.FromSlash(oldpath), filepath.FromSlash(newpath))
}

func (osFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(filepath.FromSlash(name))
}
