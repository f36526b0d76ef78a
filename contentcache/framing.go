// Package contentcache provides the durable byte cache for fully-decrypted
// video payloads. Entries are complete, immutable blobs framed with a
// provenance header and served with HTTP Range support.
package contentcache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	havencache "github.com/havenlabs/haven-cache"
)

var (
	// MagicBytes is the 4-byte prefix for framed cache entries.
	MagicBytes = []byte("HVC1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected HVC1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrDecompressedTooLarge is returned when a zstd body inflates past the
	// declared content length, guarding against corrupt or hostile frames.
	ErrDecompressedTooLarge = errors.New("decompressed payload exceeds declared length")
)

const (
	// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	MaxHeaderSize = 64 * 1024

	// CompressionThreshold is the minimum payload size before zstd is
	// considered. Below this the codec overhead is not worth it.
	CompressionThreshold = 2048
)

// Codec identifies how the framed body is stored.
type Codec string

const (
	// CodecNone stores the payload verbatim. Byte ranges can be served by
	// seeking directly into the frame.
	CodecNone Codec = "none"

	// CodecZstd stores the payload zstd-compressed. Used for compressible
	// sidecar entries (playlists, subtitles, preview metadata); video and
	// audio payloads are already compressed and stay on CodecNone.
	CodecZstd Codec = "zstd"
)

// EntryHeader carries the provenance metadata stored in front of each body.
type EntryHeader struct {
	VideoID       string          `json:"video_id"`
	ContentType   string          `json:"content_type"`
	ContentLength int64           `json:"content_length"`
	CachedAt      time.Time       `json:"cached_at"`
	OriginalCID   string          `json:"original_cid,omitempty"`
	PayloadHash   havencache.Hash `json:"payload_hash"`
	Codec         Codec           `json:"codec"`
}

// CodecFor picks the storage codec for a payload. Media payloads are already
// compressed, so only compressible content types above the threshold get zstd.
func CodecFor(contentType string, size int64) Codec {
	if size < CompressionThreshold {
		return CodecNone
	}
	mt := contentType
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case strings.HasPrefix(mt, "video/"), strings.HasPrefix(mt, "audio/"), strings.HasPrefix(mt, "image/"):
		return CodecNone
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json",
		mt == "application/vnd.apple.mpegurl",
		mt == "application/x-subrip":
		return CodecZstd
	default:
		return CodecNone
	}
}

// WriteFrame writes a framed entry to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODY
func WriteFrame(w io.Writer, header *EntryHeader, payload []byte) error {
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
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerBytes))); err != nil {
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	switch header.Codec {
	case CodecZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		if _, err := enc.Write(payload); err != nil {
			_ = enc.Close()
			return fmt.Errorf("compressing payload: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("flushing zstd encoder: %w", err)
		}
	default:
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("writing payload: %w", err)
		}
	}
	return nil
}

// ReadHeader reads the frame header and returns it together with the byte
// offset at which the body starts.
func ReadHeader(r io.Reader) (*EntryHeader, int64, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, 0, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, 0, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, 0, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, 0, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, 0, fmt.Errorf("reading header: %w", err)
	}

	var header EntryHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, 0, fmt.Errorf("parsing header: %w", err)
	}

	return &header, int64(4 + 4 + headerLen), nil
}

// openBody returns a seekable reader over the decoded payload of a frame.
// For CodecNone the file is read in place through a SectionReader; zstd
// bodies are inflated into memory, bounded by the declared content length.
func openBody(rsc io.ReadSeekCloser, header *EntryHeader, bodyOffset int64) (io.ReadSeeker, func() error, error) {
	switch header.Codec {
	case CodecZstd:
		defer func() { _ = rsc.Close() }()
		if _, err := rsc.Seek(bodyOffset, io.SeekStart); err != nil {
			return nil, nil, fmt.Errorf("seeking to body: %w", err)
		}
		dec, err := zstd.NewReader(rsc)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer dec.Close()
		buf := make([]byte, 0, header.ContentLength)
		w := bytes.NewBuffer(buf)
		n, err := io.Copy(w, io.LimitReader(dec.IOReadCloser(), header.ContentLength+1))
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if n > header.ContentLength {
			return nil, nil, ErrDecompressedTooLarge
		}
		return bytes.NewReader(w.Bytes()), func() error { return nil }, nil

	default:
		end, err := rsc.Seek(0, io.SeekEnd)
		if err != nil {
			_ = rsc.Close()
			return nil, nil, fmt.Errorf("seeking to end: %w", err)
		}
		section := io.NewSectionReader(readerAtSeeker{rsc}, bodyOffset, end-bodyOffset)
		return section, rsc.Close, nil
	}
}

// readerAtSeeker adapts a ReadSeeker to io.ReaderAt for SectionReader use.
// Safe here because each open entry has its own file handle.
type readerAtSeeker struct {
	rs io.ReadSeeker
}

func (r readerAtSeeker) ReadAt(p []byte, off int64) (int, error) {
	if _, err := r.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(r.rs, p)
}
