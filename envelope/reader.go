package envelope

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/absfs/docsafe/errs"
)

// KeyResolver maps key ids to keys. Ids it cannot resolve are left out of
// the result.
type KeyResolver func(keyIDs []string) (map[string][]byte, error)

// StaticResolver resolves a single fixed key id.
func StaticResolver(keyID string, key []byte) KeyResolver {
	return func(ids []string) (map[string][]byte, error) {
		out := make(map[string][]byte)
		for _, id := range ids {
			if id == keyID {
				out[id] = key
			}
		}
		return out, nil
	}
}

type decryptionReader struct {
	src    io.ReadCloser
	br     *bufio.Reader
	engine CipherEngine
	header Header
	aad    []byte

	frame []byte // reusable ciphertext buffer
	pbuf  []byte // reusable plaintext buffer
	plain []byte // authenticated plaintext not yet returned, a view of pbuf
	nonce []byte
	index uint32
	final bool

	err    error
	closed bool
}

// NewDecryptionReader parses the envelope header from source, resolves its
// key and authenticates the first chunk before returning. Close closes
// source. If NewDecryptionReader fails, source is left open.
func NewDecryptionReader(source io.ReadCloser, resolver KeyResolver) (io.ReadCloser, error) {
	if source == nil {
		return nil, &errs.ValidationError{Field: "source", Message: "source cannot be nil"}
	}
	if resolver == nil {
		return nil, &errs.ValidationError{Field: "resolver", Message: "resolver cannot be nil"}
	}

	r := &decryptionReader{
		src: source,
		br:  bufio.NewReaderSize(source, 32*1024),
	}
	if _, err := r.header.ReadFrom(r.br); err != nil {
		if errors.Is(err, errBadMagic) || errors.Is(err, errMalformedHeader) {
			return nil, errs.NewIntegrityError(r.header.KeyID, err.Error(), err)
		}
		return nil, r.readError("malformed envelope header", err)
	}
	if err := r.header.Validate(); err != nil {
		return nil, errs.NewIntegrityError(r.header.KeyID, "invalid envelope header", err)
	}

	keys, err := resolver([]string{r.header.KeyID})
	if err != nil {
		return nil, err
	}
	key, ok := keys[r.header.KeyID]
	if !ok || key == nil {
		return nil, &errs.UnresolvableKeyError{KeyID: r.header.KeyID}
	}
	engine, err := NewCipherEngine(r.header.Cipher, key)
	if err != nil {
		return nil, errs.NewIntegrityError(r.header.KeyID, "resolved key does not fit the cipher", err)
	}
	r.engine = engine

	r.aad, err = r.header.MarshalBinary()
	if err != nil {
		return nil, errs.NewIntegrityError(r.header.KeyID, "invalid envelope header", err)
	}
	r.frame = make([]byte, 0, int(r.header.ChunkSize)+engine.Overhead())
	r.pbuf = make([]byte, 0, r.header.ChunkSize)
	r.nonce = make([]byte, 0, nonceSize)

	if err := r.next(); err != nil {
		return nil, err
	}
	return r, nil
}

// readError classifies a failed read from the source: a short read means the
// envelope was truncated, anything else comes from the backend.
func (r *decryptionReader) readError(message string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &errs.IntegrityError{KeyID: r.header.KeyID, Chunk: r.index, Message: "truncated envelope: " + message, Err: err}
	}
	return err
}

// next reads and authenticates one frame into r.plain.
func (r *decryptionReader) next() error {
	var fh [frameHeaderSize]byte
	if _, err := io.ReadFull(r.br, fh[:]); err != nil {
		return r.readError("missing chunk", err)
	}

	flag := fh[0]
	if flag != flagMore && flag != flagFinal {
		return &errs.IntegrityError{KeyID: r.header.KeyID, Chunk: r.index, Message: fmt.Sprintf("invalid frame flag %d", flag)}
	}
	length := binary.LittleEndian.Uint32(fh[1:])
	maxLen := int64(r.header.ChunkSize) + int64(r.engine.Overhead())
	if int64(length) > maxLen || int(length) < r.engine.Overhead() {
		return &errs.IntegrityError{KeyID: r.header.KeyID, Chunk: r.index, Message: fmt.Sprintf("invalid frame length %d", length)}
	}

	frame := r.frame[:length]
	if _, err := io.ReadFull(r.br, frame); err != nil {
		return r.readError("short chunk", err)
	}

	final := flag == flagFinal
	r.nonce = chunkNonce(r.nonce, r.header.NoncePrefix, r.index, final)
	plain, err := r.engine.Decrypt(r.pbuf[:0], r.nonce, frame, r.aad)
	if err != nil {
		return &errs.IntegrityError{KeyID: r.header.KeyID, Chunk: r.index, Message: "chunk authentication failed", Err: err}
	}
	if !final && len(plain) != int(r.header.ChunkSize) {
		return &errs.IntegrityError{KeyID: r.header.KeyID, Chunk: r.index, Message: "short intermediate chunk"}
	}
	r.pbuf = plain
	r.plain = plain
	r.final = final
	r.index++

	if final {
		// Nothing may follow the final frame.
		if _, err := r.br.ReadByte(); err == nil {
			r.plain = r.plain[:0]
			return &errs.IntegrityError{KeyID: r.header.KeyID, Chunk: r.index, Message: "trailing data after final chunk"}
		} else if !errors.Is(err, io.EOF) {
			r.plain = r.plain[:0]
			return err
		}
	} else if r.index == 0 {
		return &errs.IntegrityError{KeyID: r.header.KeyID, Chunk: r.index, Message: "chunk counter overflow"}
	}
	return nil
}

func (r *decryptionReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errs.ErrAlreadyClosed
	}
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.final {
			return 0, io.EOF
		}
		if err := r.next(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *decryptionReader) Close() error {
	if r.closed {
		return errs.ErrAlreadyClosed
	}
	r.closed = true
	clear(r.pbuf[:cap(r.pbuf)])
	r.plain = nil
	return r.src.Close()
}
