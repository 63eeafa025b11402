package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CursorStore persists poller watermarks in the poller_state collection,
// one record per event source.
type CursorStore struct {
	backend Backend
}

func NewCursorStore(backend Backend) *CursorStore {
	return &CursorStore{backend: backend}
}

// LoadCursor returns ok=false when nothing was saved for source yet.
func (c *CursorStore) LoadCursor(ctx context.Context, source string) (int64, bool, error) {
	raw, err := c.backend.Get(ctx, CollectionPollerState, cursorKey(source))
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode cursor for %s: %w", source, err)
	}
	return v, true, nil
}

func (c *CursorStore) SaveCursor(ctx context.Context, source string, cursor int64) error {
	return c.backend.Put(ctx, CollectionPollerState, cursorKey(source), []byte(strconv.FormatInt(cursor, 10)))
}

func cursorKey(source string) string { return "cursor:" + source }
