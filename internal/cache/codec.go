package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cespare/xxhash/v2"

	"guidefetch/internal/core"
)

// Codec selects how payloads are compressed on disk.
type Codec byte

const (
	CodecNone   Codec = 0
	CodecGzip   Codec = 1
	CodecBrotli Codec = 2
)

// ParseCodec converts a configuration value into a Codec.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gzip":
		return CodecGzip, nil
	case "brotli", "br":
		return CodecBrotli, nil
	case "none", "identity":
		return CodecNone, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

// String returns the configuration name of the codec.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecGzip:
		return "gzip"
	case CodecBrotli:
		return "brotli"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// Envelope layout:
//
//	magic[4] codec[1] fetched_at[8] checksum[8] key_len[2] key[key_len] payload
//
// The checksum is xxhash64 over the uncompressed payload.
const (
	envelopeMagic = "GFC1"
	headerSize    = 4 + 1 + 8 + 8 + 2
	maxKeyLen     = 256
	headerLimit   = headerSize + maxKeyLen
)

type header struct {
	codec     Codec
	fetchedAt time.Time
	checksum  uint64
	key       core.Key
	size      int // header bytes including key
}

func encodeEntry(e *Entry, codec Codec) ([]byte, error) {
	keyStr := e.Key.String()
	if len(keyStr) > maxKeyLen {
		return nil, fmt.Errorf("key too long: %d bytes", len(keyStr))
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(keyStr) + len(e.Payload)/2)
	buf.WriteString(envelopeMagic)
	buf.WriteByte(byte(codec))

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(e.FetchedAt.UnixNano()))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], xxhash.Sum64(e.Payload))
	buf.Write(scratch[:])
	binary.BigEndian.PutUint16(scratch[:2], uint16(len(keyStr)))
	buf.Write(scratch[:2])
	buf.WriteString(keyStr)

	if err := compress(&buf, codec, e.Payload); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeHeader(data []byte) (header, error) {
	var h header
	if len(data) < headerSize || string(data[:4]) != envelopeMagic {
		return h, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	h.codec = Codec(data[4])
	if h.codec > CodecBrotli {
		return h, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, data[4])
	}
	h.fetchedAt = time.Unix(0, int64(binary.BigEndian.Uint64(data[5:13])))
	h.checksum = binary.BigEndian.Uint64(data[13:21])
	keyLen := int(binary.BigEndian.Uint16(data[21:23]))
	if keyLen == 0 || keyLen > maxKeyLen || len(data) < headerSize+keyLen {
		return h, fmt.Errorf("%w: bad key length", ErrCorrupt)
	}
	cat, id, ok := strings.Cut(string(data[headerSize:headerSize+keyLen]), "/")
	if !ok || !core.Category(cat).Valid() || id == "" {
		return h, fmt.Errorf("%w: bad key", ErrCorrupt)
	}
	h.key = core.Key{Category: core.Category(cat), ID: id}
	h.size = headerSize + keyLen
	return h, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	payload, err := decompress(h.codec, data[h.size:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if xxhash.Sum64(payload) != h.checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return &Entry{Key: h.key, Payload: payload, FetchedAt: h.fetchedAt}, nil
}

func compress(w io.Writer, codec Codec, payload []byte) error {
	var zw io.WriteCloser
	switch codec {
	case CodecNone:
		_, err := w.Write(payload)
		return err
	case CodecGzip:
		zw = gzip.NewWriter(w)
	case CodecBrotli:
		zw = brotli.NewWriter(w)
	default:
		return fmt.Errorf("unknown codec %d", byte(codec))
	}
	if _, err := zw.Write(payload); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func decompress(codec Codec, data []byte) ([]byte, error) {
	var reader io.Reader
	switch codec {
	case CodecNone:
		return data, nil
	case CodecGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		reader = zr
	case CodecBrotli:
		reader = brotli.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unknown codec %d", byte(codec))
	}
	return io.ReadAll(reader)
}
