package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

var (
	// MagicBytes prefixes every framed blob.
	MagicBytes = []byte("OEB1")

	// ErrInvalidMagic is returned when a blob does not start with MagicBytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected OEB1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrUnknownEncoding is returned for a content encoding this package cannot decode.
	ErrUnknownEncoding = errors.New("unknown content encoding")
)

// MaxHeaderSize caps the JSON header at 64 KiB.
const MaxHeaderSize = 64 * 1024

// Content encodings for the stored body.
const (
	EncodingIdentity = ""
	EncodingZstd     = "zstd"
)

// BlobHeader describes a stored response body.
type BlobHeader struct {
	ContentType     string `json:"content_type"`
	ContentEncoding string `json:"content_encoding,omitempty"`
	// Size is the decoded body length.
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
	CachedAt    string `json:"cached_at"`
}

// WriteFramed writes MAGIC | HDRLEN (uint32 BE) | HDR (JSON) | BODY.
// When header.ContentEncoding is EncodingZstd the body is compressed.
func WriteFramed(w io.Writer, header *BlobHeader, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerBytes))); err != nil { //nolint:gosec // bounded by MaxHeaderSize
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	switch header.ContentEncoding {
	case EncodingIdentity:
		if _, err := io.Copy(w, body); err != nil {
			return fmt.Errorf("writing body: %w", err)
		}
	case EncodingZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		if _, err := io.Copy(enc, body); err != nil {
			_ = enc.Close()
			return fmt.Errorf("compressing body: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("flushing zstd encoder: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEncoding, header.ContentEncoding)
	}
	return nil
}

// ReadFramed parses the header from r and returns a reader over the decoded
// body. Closing the body releases the decoder, not r.
func ReadFramed(r io.Reader) (*BlobHeader, io.ReadCloser, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}
	var header BlobHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	switch header.ContentEncoding {
	case EncodingIdentity:
		return &header, io.NopCloser(r), nil
	case EncodingZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		return &header, dec.IOReadCloser(), nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, header.ContentEncoding)
	}
}
