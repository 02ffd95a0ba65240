package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Envelope layout:
//
//	Header
//	  magic        4 bytes  "DSEV"
//	  version      uint8
//	  cipher       uint8
//	  key id len   uint16
//	  key id       bytes
//	  chunk size   uint32
//	  nonce prefix 7 bytes
//	Frames, one per chunk
//	  flag         uint8    1 on the final frame
//	  length       uint32   ciphertext length including the tag
//	  ciphertext
//
// Integers are little-endian. The chunk nonce is the prefix, the chunk
// counter as big-endian uint32 and the final flag. The encoded header is the
// associated data of every chunk.
const (
	// Magic identifies envelopes (ASCII: "DSEV")
	Magic = "DSEV"

	// CurrentVersion is the current envelope format version
	CurrentVersion = uint8(1)

	// NoncePrefixSize is the random per-envelope part of each nonce.
	NoncePrefixSize = 7

	// MaxKeyIDLength bounds the key id carried in the header.
	MaxKeyIDLength = 1024

	nonceSize       = 12
	frameHeaderSize = 5

	flagMore  = uint8(0)
	flagFinal = uint8(1)
)

var (
	errBadMagic        = errors.New("not an envelope")
	errMalformedHeader = errors.New("malformed envelope header")
)

// Header is the plaintext prefix of an envelope.
type Header struct {
	Version     uint8
	Cipher      CipherSuite
	KeyID       string
	ChunkSize   uint32
	NoncePrefix [NoncePrefixSize]byte
}

// Size returns the total size of the encoded header in bytes
func (h *Header) Size() int {
	return len(Magic) + 1 + 1 + 2 + len(h.KeyID) + 4 + NoncePrefixSize
}

// MarshalBinary encodes the header.
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.KeyID) > MaxKeyIDLength {
		return nil, fmt.Errorf("key id too long: %d bytes", len(h.KeyID))
	}
	buf := bytes.NewBuffer(make([]byte, 0, h.Size()))
	buf.WriteString(Magic)
	buf.WriteByte(h.Version)
	buf.WriteByte(byte(h.Cipher))
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(h.KeyID))); err != nil {
		return nil, fmt.Errorf("failed to write key id length: %w", err)
	}
	buf.WriteString(h.KeyID)
	if err := binary.Write(buf, binary.LittleEndian, h.ChunkSize); err != nil {
		return nil, fmt.Errorf("failed to write chunk size: %w", err)
	}
	buf.Write(h.NoncePrefix[:])
	return buf.Bytes(), nil
}

// WriteTo writes the header to the given writer
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom reads the header from the given reader
func (h *Header) ReadFrom(r io.Reader) (int64, error) {
	var totalRead int64

	magic := make([]byte, len(Magic))
	n, err := io.ReadFull(r, magic)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	if string(magic) != Magic {
		return totalRead, errBadMagic
	}

	var fixed [4]byte
	n, err = io.ReadFull(r, fixed[:])
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read header: %w", err)
	}
	h.Version = fixed[0]
	h.Cipher = CipherSuite(fixed[1])
	keyIDLen := binary.LittleEndian.Uint16(fixed[2:])
	if keyIDLen == 0 || int(keyIDLen) > MaxKeyIDLength {
		return totalRead, fmt.Errorf("%w: invalid key id length %d", errMalformedHeader, keyIDLen)
	}

	keyID := make([]byte, keyIDLen)
	n, err = io.ReadFull(r, keyID)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read key id: %w", err)
	}
	h.KeyID = string(keyID)

	if err := binary.Read(r, binary.LittleEndian, &h.ChunkSize); err != nil {
		return totalRead, fmt.Errorf("failed to read chunk size: %w", err)
	}
	totalRead += 4

	n, err = io.ReadFull(r, h.NoncePrefix[:])
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read nonce prefix: %w", err)
	}

	return totalRead, nil
}

// Validate checks if the header is valid
func (h *Header) Validate() error {
	if h.Version == 0 || h.Version > CurrentVersion {
		return fmt.Errorf("unsupported envelope version %d", h.Version)
	}
	if h.Cipher != CipherAES256GCM && h.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	if h.KeyID == "" {
		return errors.New("key id cannot be empty")
	}
	return ValidateChunkSize(int(h.ChunkSize))
}

// chunkNonce builds the nonce of chunk index.
func chunkNonce(dst []byte, prefix [NoncePrefixSize]byte, index uint32, final bool) []byte {
	dst = append(dst[:0], prefix[:]...)
	dst = binary.BigEndian.AppendUint32(dst, index)
	if final {
		return append(dst, flagFinal)
	}
	return append(dst, flagMore)
}
