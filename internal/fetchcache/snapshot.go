package fetchcache

import (
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// snapshotVersion guards against reading a file written by an incompatible
// layout.
const snapshotVersion = 1

type snapshot struct {
	Version   int        `msgpack:"v"`
	Fragments []Fragment `msgpack:"fragments"`
}

// Snapshot writes every unexpired entry to w. InsertedAt is preserved so the
// TTL keeps counting from the original fetch.
func (c *Cache) Snapshot(w io.Writer) error {
	packed, err := msgpack.Marshal(snapshot{Version: snapshotVersion, Fragments: c.fresh()})
	if err != nil {
		return fmt.Errorf("failed to encode cache snapshot: %w", err)
	}
	if _, err := w.Write(packed); err != nil {
		return fmt.Errorf("failed to write cache snapshot: %w", err)
	}
	return nil
}

// Restore loads entries written by Snapshot, skipping any that have expired
// since. It returns how many entries were restored.
func (c *Cache) Restore(r io.Reader) (int, error) {
	packed, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache snapshot: %w", err)
	}
	var snap snapshot
	if err := msgpack.Unmarshal(packed, &snap); err != nil {
		return 0, fmt.Errorf("failed to decode cache snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("unsupported cache snapshot version %d", snap.Version)
	}

	restored := 0
	// Oldest first so the most recently used entry ends up at the LRU front.
	for i := len(snap.Fragments) - 1; i >= 0; i-- {
		frag := snap.Fragments[i]
		if frag.Key == "" || c.clock.Since(frag.InsertedAt) >= c.ttl {
			continue
		}
		c.put(frag)
		restored++
	}
	return restored, nil
}

// SaveFile writes a snapshot to path.
func (c *Cache) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if err := c.Snapshot(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile restores a snapshot from path. A missing file restores nothing.
func (c *Cache) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open cache file: %w", err)
	}
	defer f.Close()
	return c.Restore(f)
}
