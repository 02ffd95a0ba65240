package pathcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrAuthFailed is returned when a SIV ciphertext does not authenticate.
var ErrAuthFailed = errors.New("authentication failed - data may be corrupted or tampered")

// SIV implements AES-SIV (RFC 5297): deterministic authenticated
// encryption. Equal plaintexts under equal keys and associated data give
// equal ciphertexts, which is what lets an encrypted path be looked up
// without an index.
type SIV struct {
	mac    cipher.Block // S2V half
	ctr    cipher.Block // CTR half
	sub1   [16]byte     // CMAC subkeys
	sub2   [16]byte
	zeroIV [16]byte // CMAC of the zero block, the S2V starting value
}

// NewSIV creates an AES-SIV engine. The key is split in two halves, so it
// must be 32, 48 or 64 bytes.
func NewSIV(key []byte) (*SIV, error) {
	switch len(key) {
	case 32, 48, 64:
	default:
		return nil, fmt.Errorf("AES-SIV requires a 32, 48 or 64-byte key, got %d bytes", len(key))
	}
	half := len(key) / 2

	mac, err := aes.NewCipher(key[:half])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	ctr, err := aes.NewCipher(key[half:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	s := &SIV{mac: mac, ctr: ctr}
	var l [16]byte
	mac.Encrypt(l[:], l[:])
	s.sub1 = dbl(l)
	s.sub2 = dbl(s.sub1)
	s.zeroIV = s.cmac(make([]byte, 16))
	return s, nil
}

// Overhead returns the SIV size (16 bytes)
func (s *SIV) Overhead() int {
	return 16
}

// Seal encrypts plaintext and prepends the synthetic IV.
func (s *SIV) Seal(plaintext []byte, ad ...[]byte) []byte {
	v := s.s2v(plaintext, ad)
	out := make([]byte, 16+len(plaintext))
	copy(out, v[:])
	s.xorKeyStream(v, out[16:], plaintext)
	return out
}

// Open authenticates and decrypts a Seal result. Associated data must match.
func (s *SIV) Open(ciphertext []byte, ad ...[]byte) ([]byte, error) {
	if len(ciphertext) < 16 {
		return nil, errors.New("ciphertext too short")
	}
	var v [16]byte
	copy(v[:], ciphertext[:16])

	plaintext := make([]byte, len(ciphertext)-16)
	s.xorKeyStream(v, plaintext, ciphertext[16:])

	want := s.s2v(plaintext, ad)
	if subtle.ConstantTimeCompare(v[:], want[:]) != 1 {
		clear(plaintext)
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// s2v derives the synthetic IV from the associated data and plaintext.
func (s *SIV) s2v(plaintext []byte, ad [][]byte) [16]byte {
	d := s.zeroIV
	for _, a := range ad {
		d = xor(dbl(d), s.cmac(a))
	}

	if len(plaintext) >= 16 {
		// T = plaintext xorend D
		t := make([]byte, len(plaintext))
		copy(t, plaintext)
		tail := t[len(t)-16:]
		for i := range tail {
			tail[i] ^= d[i]
		}
		return s.cmac(t)
	}
	// T = dbl(D) xor pad(plaintext)
	t := xor(dbl(d), pad(plaintext))
	return s.cmac(t[:])
}

// cmac is AES-CMAC (RFC 4493) under the S2V key.
func (s *SIV) cmac(data []byte) [16]byte {
	n := (len(data) + 15) / 16
	if n == 0 {
		n = 1
	}

	var last [16]byte
	if len(data) == 0 || len(data)%16 != 0 {
		last = xor(pad(data[16*(n-1):]), s.sub2)
	} else {
		copy(last[:], data[16*(n-1):])
		last = xor(last, s.sub1)
	}

	var mac [16]byte
	for i := 0; i < n-1; i++ {
		for j, b := range data[i*16 : (i+1)*16] {
			mac[j] ^= b
		}
		s.mac.Encrypt(mac[:], mac[:])
	}
	mac = xor(mac, last)
	s.mac.Encrypt(mac[:], mac[:])
	return mac
}

func (s *SIV) xorKeyStream(v [16]byte, dst, src []byte) {
	// Bits 31 and 63 of the counter are cleared (RFC 5297 section 2.5).
	v[8] &= 0x7f
	v[12] &= 0x7f
	cipher.NewCTR(s.ctr, v[:]).XORKeyStream(dst, src)
}

// dbl is doubling in GF(2^128).
func dbl(b [16]byte) [16]byte {
	var out [16]byte
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])
	binary.BigEndian.PutUint64(out[:8], hi<<1|lo>>63)
	binary.BigEndian.PutUint64(out[8:], lo<<1)
	if hi>>63 != 0 {
		out[15] ^= 0x87
	}
	return out
}

// pad applies 10* padding to a partial block.
func pad(data []byte) [16]byte {
	var out [16]byte
	copy(out[:], data)
	out[len(data)] = 0x80
	return out
}

func xor(a, b [16]byte) [16]byte {
	for i := range a {
		a[i] ^= b[i]
	}
	return a
}
