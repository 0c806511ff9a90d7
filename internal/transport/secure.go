package transport

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the master key of a Secure transport.
const KeySize = chacha20poly1305.KeySize

// NewKey returns a random master key.
func NewKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// Secure seals every frame of an inner transport with ChaCha20-Poly1305.
//
// Each boundary gets its own key, derived from the master key with HKDF. The
// nonce is the frame's position on the link and the associated data binds the
// boundary name and that position, so a frame that is replayed, reordered or
// moved to another boundary fails to open.
type Secure struct {
	inner  Transport
	master []byte
}

var _ Transport = (*Secure)(nil)

func NewSecure(inner Transport, masterKey []byte) (*Secure, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(masterKey))
	}
	return &Secure{inner: inner, master: append([]byte(nil), masterKey...)}, nil
}

func (s *Secure) boundaryKey(boundary string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, []byte("harmonics/boundary/"+boundary))
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("derive key for %s: %w", boundary, err)
	}
	return k, nil
}

func (s *Secure) Link(ctx context.Context, boundary string) (Link, error) {
	inner, err := s.inner.Link(ctx, boundary)
	if err != nil {
		return nil, err
	}
	key, err := s.boundaryKey(boundary)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &sealedLink{inner: inner, aead: aead, boundary: boundary}, nil
}

func (s *Secure) Close() error {
	return s.inner.Close()
}

type sealedLink struct {
	inner    Link
	aead     cipher.AEAD
	boundary string

	sendMu  sync.Mutex
	sendCtr uint64
	recvMu  sync.Mutex
	recvCtr uint64
}

func (l *sealedLink) nonce(ctr uint64) []byte {
	n := make([]byte, l.aead.NonceSize())
	binary.BigEndian.PutUint64(n[len(n)-8:], ctr)
	return n
}

func (l *sealedLink) aad(ctr uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(l.boundary+"|"), ctr)
}

func (l *sealedLink) Send(ctx context.Context, frame []byte) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	sealed := l.aead.Seal(nil, l.nonce(l.sendCtr), frame, l.aad(l.sendCtr))
	if err := l.inner.Send(ctx, sealed); err != nil {
		return err
	}
	l.sendCtr++
	return nil
}

func (l *sealedLink) Recv(ctx context.Context) ([]byte, error) {
	l.recvMu.Lock()
	defer l.recvMu.Unlock()
	sealed, err := l.inner.Recv(ctx)
	if err != nil {
		return nil, err
	}
	frame, err := l.aead.Open(nil, l.nonce(l.recvCtr), sealed, l.aad(l.recvCtr))
	if err != nil {
		return nil, fmt.Errorf("%w: %s frame %d", ErrAuthFailed, l.boundary, l.recvCtr)
	}
	l.recvCtr++
	return frame, nil
}

func (l *sealedLink) Pending() int {
	return l.inner.Pending()
}

func (l *sealedLink) Discard() int {
	l.recvMu.Lock()
	defer l.recvMu.Unlock()
	n := l.inner.Discard()
	l.recvCtr += uint64(n)
	return n
}

func (l *sealedLink) Close() error {
	return l.inner.Close()
}
