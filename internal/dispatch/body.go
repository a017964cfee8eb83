package dispatch

import (
	"errors"
	"io"
	"math"
)

var ErrBodyTooLarge = errors.New("dispatch: response body too large")

// readLimit reads at most limit bytes from body. When body holds more, it
// returns the first limit bytes together with ErrBodyTooLarge.
func readLimit(body io.Reader, limit int64) ([]byte, error) {
	if limit < 0 {
		limit = 0
	}
	// Read up to limit+1 so we can detect overflow.
	n := limit
	if limit < math.MaxInt64 {
		n = limit + 1
	}
	b, err := io.ReadAll(&io.LimitedReader{R: body, N: n})
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return b[:limit], ErrBodyTooLarge
	}
	return b, nil
}

// truncatedResult is stored instead of a handler body that exceeded the cap.
func truncatedResult(prefix []byte, limit int64) map[string]any {
	return map[string]any{
		"truncated":   true,
		"limit_bytes": limit,
		"body_prefix": string(prefix),
	}
}
