package backend

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramingRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		body     []byte
	}{
		{"identity", EncodingIdentity, []byte("<svg>logo</svg>")},
		{"zstd", EncodingZstd, bytes.Repeat([]byte("function main(){return 1}\n"), 100)},
		{"empty identity", EncodingIdentity, []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := &BlobHeader{
				ContentType:     "application/javascript",
				ContentEncoding: tt.encoding,
				Size:            int64(len(tt.body)),
				ContentHash:     "abc",
				CachedAt:        "2026-10-18T10:00:00Z",
			}

			var buf bytes.Buffer
			require.NoError(t, WriteFramed(&buf, header, bytes.NewReader(tt.body)))
			require.True(t, bytes.HasPrefix(buf.Bytes(), MagicBytes))

			got, body, err := ReadFramed(&buf)
			require.NoError(t, err)
			defer func() { _ = body.Close() }()
			require.Equal(t, header, got)

			data, err := io.ReadAll(body)
			require.NoError(t, err)
			require.Equal(t, len(tt.body), len(data))
			require.True(t, bytes.Equal(tt.body, data))
		})
	}
}

func TestReadFramed_InvalidMagic(t *testing.T) {
	_, _, err := ReadFramed(strings.NewReader("CCB1xxxxxxxx"))
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadFramed_Truncated(t *testing.T) {
	_, _, err := ReadFramed(strings.NewReader("OE"))
	require.Error(t, err)
}

func TestReadFramed_HeaderTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicBytes)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxHeaderSize+1)))

	_, _, err := ReadFramed(&buf)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestFraming_UnknownEncoding(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFramed(&buf, &BlobHeader{ContentEncoding: "br"}, strings.NewReader("x"))
	require.ErrorIs(t, err, ErrUnknownEncoding)

	buf.Reset()
	buf.Write(MagicBytes)
	hdr := []byte(`{"content_encoding":"br"}`)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(len(hdr))))
	buf.Write(hdr)
	_, _, err = ReadFramed(&buf)
	require.ErrorIs(t, err, ErrUnknownEncoding)
}
