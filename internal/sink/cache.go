package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mimolo/operations/internal/segment"
)

// CurrentSegmentCache writes current_segment.json atomically via
// write-temp-then-rename (§4.5, §4.6).
type CurrentSegmentCache struct {
	mu   sync.Mutex
	path string
}

// NewCurrentSegmentCache constructs a cache writer rooted at dir.
func NewCurrentSegmentCache(dir string) (*CurrentSegmentCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sink.NewCurrentSegmentCache: mkdir %q: %w", dir, err)
	}
	return &CurrentSegmentCache{path: filepath.Join(dir, "current_segment.json")}, nil
}

// WriteCurrentSegment satisfies segment.CacheWriter.
func (c *CurrentSegmentCache) WriteCurrentSegment(proj segment.CurrentProjection) error {
	data, err := json.MarshalIndent(proj, "", "  ")
	if err != nil {
		return fmt.Errorf("sink: marshal current_segment: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("sink: write temp current_segment: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("sink: rename current_segment: %w", err)
	}
	return nil
}
