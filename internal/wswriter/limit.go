package wswriter

import (
	"errors"
	"io"
)

// ErrWriteLimitExceeded is returned when a write would exceed the
// limit of a writer returned by Limit.
var ErrWriteLimitExceeded = errors.New("row: write limit exceeded")

type limitedWriter struct {
	w     io.Writer
	limit int64
}

// Limit returns an io.Writer that writes at most n bytes to w. A
// write that would exceed the limit writes the bytes that fit and
// returns ErrWriteLimitExceeded.
func Limit(w io.Writer, n int64) io.Writer {
	return &limitedWriter{w: w, limit: n}
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.limit <= 0 {
		return 0, ErrWriteLimitExceeded
	}

	var exceeded bool
	if int64(len(p)) > lw.limit {
		p = p[:lw.limit]
		exceeded = true
	}
	n, err := lw.w.Write(p)
	lw.limit -= int64(n)
	if err == nil && exceeded {
		err = ErrWriteLimitExceeded
	}
	return n, err
}
