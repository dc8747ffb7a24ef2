package repository

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var errInvalidCursor = errors.New("invalid cursor")

// pageCursor is the (created_at, id) position of the last item on a page.
type pageCursor struct {
	CreatedAt time.Time
	ID        string
}

func encodeCursor(c pageCursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (pageCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return pageCursor{}, errInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return pageCursor{}, errInvalidCursor
	}
	if _, err := uuid.Parse(id); err != nil {
		return pageCursor{}, errInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return pageCursor{}, errInvalidCursor
	}
	return pageCursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}
