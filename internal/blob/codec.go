package blob

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// Object envelope:
//
//	[version:1] [flags:1] [blake3(plaintext):32] [payload]
//
// With flagEncrypted the payload is [nonce:24][ciphertext+tag] and the
// version, flags, digest and key are authenticated. With flagZstd the
// (decrypted) payload is zstd-compressed.
const (
	envelopeVersion byte = 0x01

	flagZstd      byte = 1 << 0
	flagEncrypted byte = 1 << 1

	headerSize = 2 + 32

	// KeySize is the at-rest encryption key length.
	KeySize = chacha20poly1305.KeySize
)

// Codec seals plaintext into the on-disk envelope.
type Codec struct {
	compress bool
	aeadKey  []byte
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// NewCodec builds a codec. key may be nil to store objects unencrypted.
func NewCodec(compress bool, key []byte) (*Codec, error) {
	if key != nil && len(key) != KeySize {
		return nil, fmt.Errorf("blob: encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Codec{compress: compress, aeadKey: key, enc: enc, dec: dec}, nil
}

// Digest returns the hex BLAKE3 hash of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (c *Codec) Seal(key string, plaintext []byte, compress bool) ([]byte, error) {
	sum := blake3.Sum256(plaintext)
	var flags byte
	payload := plaintext
	if c.compress && compress {
		payload = c.enc.EncodeAll(plaintext, nil)
		flags |= flagZstd
	}
	if c.aeadKey != nil {
		flags |= flagEncrypted
	}
	header := make([]byte, headerSize)
	header[0] = envelopeVersion
	header[1] = flags
	copy(header[2:], sum[:])

	if c.aeadKey == nil {
		return append(header, payload...), nil
	}
	aead, err := chacha20poly1305.NewX(c.aeadKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := append(header, nonce...)
	return aead.Seal(out, nonce, payload, aad(header, key)), nil
}

func (c *Codec) Open(key string, object []byte) ([]byte, error) {
	if len(object) < headerSize || object[0] != envelopeVersion {
		return nil, ErrCorrupt
	}
	header := object[:headerSize]
	flags := header[1]
	payload := object[headerSize:]

	if flags&flagEncrypted != 0 {
		if c.aeadKey == nil {
			return nil, fmt.Errorf("%w: object is encrypted and no key is configured", ErrCorrupt)
		}
		if len(payload) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
			return nil, ErrCorrupt
		}
		aead, err := chacha20poly1305.NewX(c.aeadKey)
		if err != nil {
			return nil, err
		}
		nonce := payload[:chacha20poly1305.NonceSizeX]
		payload, err = aead.Open(nil, nonce, payload[chacha20poly1305.NonceSizeX:], aad(header, key))
		if err != nil {
			return nil, fmt.Errorf("%w: authentication failed", ErrCorrupt)
		}
	}
	if flags&flagZstd != 0 {
		var err error
		payload, err = c.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	if sum := blake3.Sum256(payload); string(sum[:]) != string(header[2:]) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	return payload, nil
}

// aad binds the ciphertext to its header and storage key so objects cannot be swapped.
func aad(header []byte, key string) []byte {
	out := make([]byte, 0, len(header)+len(key))
	out = append(out, header...)
	return append(out, key...)
}
