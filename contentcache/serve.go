package contentcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	havencache "github.com/havenlabs/haven-cache"
)

// Provenance response headers.
const (
	HeaderVideoID     = "X-Haven-Video-Id"
	HeaderCachedAt    = "X-Haven-Cached-At"
	HeaderSize        = "X-Haven-Size"
	HeaderOriginalCID = "X-Haven-Original-Cid"
)

// ServeEntry writes an entry to the HTTP response, honouring Range requests.
//
// Without a Range header the full payload is written with status 200. A
// satisfiable range yields 206 with Content-Range and exactly that byte
// slice, synthesised from the complete stored payload. A range starting at
// or beyond the payload size yields 416. For HEAD requests headers are
// written but the body is skipped.
func ServeEntry(ctx context.Context, w http.ResponseWriter, r *http.Request, e *Entry) error {
	body, closeFn, err := e.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	h := w.Header()
	h.Set("Content-Type", e.ContentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set(HeaderVideoID, e.VideoID)
	h.Set(HeaderCachedAt, e.CachedAt.UTC().Format(time.RFC3339))
	h.Set(HeaderSize, strconv.FormatInt(e.Size, 10))
	if e.OriginalCID != "" {
		h.Set(HeaderOriginalCID, e.OriginalCID)
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		h.Set("Content-Length", strconv.FormatInt(e.Size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			if _, err := io.Copy(w, body); err != nil {
				return fmt.Errorf("streaming payload: %w", err)
			}
		}
		return nil
	}

	start, length, err := parseRange(rangeHeader, e.Size)
	if err != nil {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", e.Size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+length-1, e.Size))
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := body.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("seeking payload: %w", err)
	}
	if _, err := io.CopyN(w, body, length); err != nil {
		return fmt.Errorf("streaming range: %w", err)
	}
	return nil
}

// parseRange parses a Range header against the payload size, returning the
// start offset and length of the slice to serve. Closed (a-b), open-ended
// (a-) and suffix (-n) forms are supported; when multiple clauses are given
// only the first is honoured. Unsatisfiable or malformed ranges return
// havencache.ErrRangeUnsatisfiable.
func parseRange(spec string, total int64) (start, length int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(spec, prefix) {
		return 0, 0, havencache.ErrRangeUnsatisfiable
	}
	clause := strings.TrimSpace(strings.SplitN(spec[len(prefix):], ",", 2)[0])
	dash := strings.IndexByte(clause, '-')
	if dash < 0 {
		return 0, 0, havencache.ErrRangeUnsatisfiable
	}

	startStr, endStr := strings.TrimSpace(clause[:dash]), strings.TrimSpace(clause[dash+1:])

	if startStr == "" {
		// Suffix form: last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, havencache.ErrRangeUnsatisfiable
		}
		if n > total {
			n = total
		}
		return total - n, n, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= total {
		return 0, 0, havencache.ErrRangeUnsatisfiable
	}

	if endStr == "" {
		// Open-ended form: from start to the last byte.
		return start, total - start, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, havencache.ErrRangeUnsatisfiable
	}
	if end >= total {
		end = total - 1
	}
	return start, end - start + 1, nil
}
