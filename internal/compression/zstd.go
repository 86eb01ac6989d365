package compression

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// Codec compresses blobs for at-rest storage. A disabled codec passes data
// through unchanged.
type Codec struct {
	level   zstd.EncoderLevel
	enabled bool
}

func NewCodec(level int, enabled bool) *Codec {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 2:
		encoderLevel = zstd.SpeedDefault
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	case 4:
		encoderLevel = zstd.SpeedBestCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}
	return &Codec{level: encoderLevel, enabled: enabled}
}

// Writer wraps w so that everything written is compressed. Close flushes
// the frame but does not close w.
func (c *Codec) Writer(w io.Writer) (io.WriteCloser, error) {
	if !c.enabled {
		return nopWriteCloser{w}, nil
	}
	return zstd.NewWriter(w,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderConcurrency(1),
	)
}

// Reader wraps r with a streaming decompressor.
func (c *Codec) Reader(r io.Reader) (io.ReadCloser, error) {
	if !c.enabled {
		return io.NopCloser(r), nil
	}
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
