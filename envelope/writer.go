// Package envelope implements the streaming authenticated encryption format
// that wraps every stored document.
//
// An envelope is a small plaintext header naming the key id and cipher,
// followed by independently sealed chunks. The writer keeps at most one chunk
// of plaintext in memory and the reader releases plaintext only after the
// chunk it came from has been authenticated. Truncation, reordering and
// header tampering are all detected: each chunk nonce carries its index and
// a final flag, and the header is authenticated with every chunk.
package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/absfs/docsafe/errs"
)

type options struct {
	cipher    CipherSuite
	chunkSize int
	rand      io.Reader
}

// Option configures an encryption writer.
type Option func(*options)

// WithCipher selects the chunk AEAD. The default is AES-256-GCM.
func WithCipher(c CipherSuite) Option {
	return func(o *options) {
		o.cipher = c
	}
}

// WithChunkSize sets the plaintext chunk size.
func WithChunkSize(n int) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

// WithRand sets the source of the nonce prefix.
func WithRand(r io.Reader) Option {
	return func(o *options) {
		if r != nil {
			o.rand = r
		}
	}
}

// encryptionWriter seals chunks as they fill up. A full chunk is sealed only
// once more data arrives, so the final frame always carries the tail.
type encryptionWriter struct {
	sink   io.WriteCloser
	engine CipherEngine
	header Header
	aad    []byte

	buf   []byte // pending plaintext, cap chunkSize
	frame []byte // reusable frame buffer
	nonce []byte
	index uint32

	err    error
	closed bool
}

// NewEncryptionWriter writes an envelope header to sink and returns a writer
// that encrypts into it. Close seals the final chunk and closes sink. If
// NewEncryptionWriter fails, sink is left open.
func NewEncryptionWriter(sink io.WriteCloser, key []byte, keyID string, opts ...Option) (io.WriteCloser, error) {
	o := options{
		cipher:    CipherAES256GCM,
		chunkSize: DefaultChunkSize,
		rand:      rand.Reader,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if sink == nil {
		return nil, &errs.ValidationError{Field: "sink", Message: "sink cannot be nil"}
	}
	if err := ValidateKey(key, o.cipher); err != nil {
		return nil, err
	}
	if err := ValidateKeyID(keyID); err != nil {
		return nil, err
	}
	if err := ValidateChunkSize(o.chunkSize); err != nil {
		return nil, err
	}

	engine, err := NewCipherEngine(o.cipher, key)
	if err != nil {
		return nil, err
	}

	w := &encryptionWriter{
		sink:   sink,
		engine: engine,
		header: Header{
			Version:   CurrentVersion,
			Cipher:    o.cipher,
			KeyID:     keyID,
			ChunkSize: uint32(o.chunkSize),
		},
		buf:   make([]byte, 0, o.chunkSize),
		frame: make([]byte, 0, frameHeaderSize+o.chunkSize+engine.Overhead()),
		nonce: make([]byte, 0, nonceSize),
	}
	if _, err := io.ReadFull(o.rand, w.header.NoncePrefix[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce prefix: %w", err)
	}

	w.aad, err = w.header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := sink.Write(w.aad); err != nil {
		return nil, fmt.Errorf("failed to write envelope header: %w", err)
	}
	return w, nil
}

func (w *encryptionWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errs.ErrAlreadyClosed
	}
	if w.err != nil {
		return 0, w.err
	}

	written := 0
	for len(p) > 0 {
		if len(w.buf) == cap(w.buf) {
			if err := w.seal(false); err != nil {
				w.err = err
				return written, err
			}
		}
		n := copy(w.buf[len(w.buf):cap(w.buf)], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		written += n
	}
	return written, nil
}

// seal encrypts the pending plaintext and writes one frame.
func (w *encryptionWriter) seal(final bool) error {
	if !final && w.index == math.MaxUint32 {
		return errors.New("envelope exceeds the maximum chunk count")
	}

	flag := flagMore
	if final {
		flag = flagFinal
	}
	w.nonce = chunkNonce(w.nonce, w.header.NoncePrefix, w.index, final)

	frame := append(w.frame[:0], flag, 0, 0, 0, 0)
	frame, err := w.engine.Encrypt(frame, w.nonce, w.buf, w.aad)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(frame[1:frameHeaderSize], uint32(len(frame)-frameHeaderSize))

	if _, err := w.sink.Write(frame); err != nil {
		return err
	}
	w.frame = frame
	w.buf = w.buf[:0]
	w.index++
	return nil
}

func (w *encryptionWriter) Close() error {
	if w.closed {
		return errs.ErrAlreadyClosed
	}
	w.closed = true

	err := w.err
	if err == nil {
		err = w.seal(true)
	}
	clear(w.buf[:cap(w.buf)])
	if cerr := w.sink.Close(); err == nil {
		err = cerr
	}
	return err
}
