package cproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/xxh3"
)

// Codec is the compression of a frame payload
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecZstd
	CodecLZ4
)

const (
	frameMagic   = 0x5278
	frameVersion = 1
	headerSize   = 16

	// MaxFrameSize bounds a frame payload
	MaxFrameSize = 64 << 20
)

var (
	ErrBadMagic      = errors.New("cproto: bad frame magic")
	ErrBadChecksum   = errors.New("cproto: frame checksum mismatch")
	ErrFrameTooLarge = errors.New("cproto: frame too large")
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Codec(%d)", uint8(c))
	}
}

// ParseCodec maps a compression name to a codec. An empty name is snappy.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return CodecSnappy, nil
	case "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	}
	return CodecNone, fmt.Errorf("unsupported compression: %s", name)
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func compress(c Codec, data []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return data, nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	case CodecZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, nil), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported codec: %s", c)
}

func decompress(c Codec, data []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return data, nil
	case CodecSnappy:
		return snappy.Decode(nil, data)
	case CodecZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return dec.DecodeAll(data, nil)
	case CodecLZ4:
		return io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(data)), MaxFrameSize+1))
	}
	return nil, fmt.Errorf("unsupported codec: %s", c)
}

// WriteFrame compresses payload with codec and writes one frame
func WriteFrame(w io.Writer, codec Codec, payload []byte) error {
	body, err := compress(codec, payload)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint16(frame[0:2], frameMagic)
	frame[2] = frameVersion
	frame[3] = byte(codec)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(body)))
	binary.BigEndian.PutUint64(frame[8:16], xxh3.Hash(body))
	copy(frame[headerSize:], body)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and returns its codec and decompressed payload
func ReadFrame(r io.Reader) (Codec, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return CodecNone, nil, err
	}
	if binary.BigEndian.Uint16(header[0:2]) != frameMagic {
		return CodecNone, nil, ErrBadMagic
	}
	if header[2] != frameVersion {
		return CodecNone, nil, fmt.Errorf("cproto: unsupported frame version %d", header[2])
	}
	codec := Codec(header[3])
	size := binary.BigEndian.Uint32(header[4:8])
	if size > MaxFrameSize {
		return CodecNone, nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return CodecNone, nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	if xxh3.Hash(body) != binary.BigEndian.Uint64(header[8:16]) {
		return CodecNone, nil, ErrBadChecksum
	}

	payload, err := decompress(codec, body)
	if err != nil {
		return CodecNone, nil, fmt.Errorf("failed to decompress %s frame: %w", codec, err)
	}
	if len(payload) > MaxFrameSize {
		return CodecNone, nil, ErrFrameTooLarge
	}
	return codec, payload, nil
}
