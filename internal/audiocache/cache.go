// Package audiocache stores synthesized audio on local disk, content-addressed
// by variant fingerprint. Writes are durable before Store returns; a
// fingerprint is written at most once and the bytes never change afterwards.
package audiocache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound reports a fingerprint with no cached artifact.
var ErrNotFound = errors.New("audiocache: not found")

type entry struct {
	file    string
	format  string
	size    int64
	modTime time.Time
}

// Cache is a filesystem-backed artifact store. Files live under
// dir/<first two fingerprint chars>/<fingerprint>.<format> so a single
// directory never accumulates millions of entries.
type Cache struct {
	dir            string
	maxBytes       int64
	bloatThreshold float64

	mu         sync.RWMutex
	index      map[string]entry
	totalBytes int64
}

// New opens the cache directory, creating it if needed, and rebuilds the
// in-memory index from whatever artifacts a previous run left behind.
func New(dir string, maxBytes int64, bloatThreshold float64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("audiocache: create dir: %w", err)
	}
	c := &Cache{
		dir:            dir,
		maxBytes:       maxBytes,
		bloatThreshold: bloatThreshold,
		index:          make(map[string]entry),
	}
	if err := c.loadIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) loadIndex() error {
	shards, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("audiocache: read dir: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(c.dir, shard.Name()))
		if err != nil {
			return fmt.Errorf("audiocache: read shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			name := f.Name()
			dot := strings.LastIndexByte(name, '.')
			if dot <= 0 {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			fp := name[:dot]
			c.index[fp] = entry{
				file:    filepath.Join(c.dir, shard.Name(), name),
				format:  name[dot+1:],
				size:    info.Size(),
				modTime: info.ModTime(),
			}
			c.totalBytes += info.Size()
		}
	}
	return nil
}

// Store writes the artifact and returns the fingerprint as its reference.
// A fingerprint already present is left untouched and reported as stored,
// so concurrent writers of identical content are harmless. The bytes are
// synced to disk before the temp file is renamed into place.
func (c *Cache) Store(fingerprint string, data []byte, format string) (string, error) {
	if len(fingerprint) < 2 {
		return "", fmt.Errorf("audiocache: fingerprint %q too short", fingerprint)
	}
	if format == "" || strings.ContainsAny(format, "./\\") {
		return "", fmt.Errorf("audiocache: invalid format tag %q", format)
	}

	c.mu.RLock()
	_, exists := c.index[fingerprint]
	c.mu.RUnlock()
	if exists {
		return fingerprint, nil
	}

	shardDir := filepath.Join(c.dir, fingerprint[:2])
	if err := os.MkdirAll(shardDir, 0755); err != nil {
		return "", fmt.Errorf("audiocache: create shard: %w", err)
	}
	final := filepath.Join(shardDir, fingerprint+"."+format)

	tmp, err := os.CreateTemp(shardDir, fingerprint+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("audiocache: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("audiocache: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("audiocache: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("audiocache: close temp: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("audiocache: rename: %w", err)
	}

	c.mu.Lock()
	// Another goroutine may have stored the same fingerprint while we wrote.
	if prev, ok := c.index[fingerprint]; ok {
		c.mu.Unlock()
		if prev.file != final {
			os.Remove(final)
		}
		return fingerprint, nil
	}
	c.index[fingerprint] = entry{file: final, format: format, size: int64(len(data)), modTime: time.Now()}
	c.totalBytes += int64(len(data))
	c.mu.Unlock()

	return fingerprint, nil
}

// Fetch returns the stored bytes and format tag for a fingerprint.
func (c *Cache) Fetch(fingerprint string) ([]byte, string, error) {
	c.mu.RLock()
	e, ok := c.index[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return nil, "", ErrNotFound
	}
	data, err := os.ReadFile(e.file)
	if errors.Is(err, os.ErrNotExist) {
		// Vacuumed between lookup and read.
		c.mu.Lock()
		delete(c.index, fingerprint)
		c.mu.Unlock()
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("audiocache: read %s: %w", fingerprint, err)
	}
	return data, e.format, nil
}

// Has reports whether a fingerprint is cached without touching the disk.
func (c *Cache) Has(fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[fingerprint]
	return ok
}

// TotalBytes reports the current on-disk footprint.
func (c *Cache) TotalBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalBytes
}

// VacuumIfNeeded removes least-recently-written artifacts once the footprint
// exceeds maxBytes, stopping when it drops under bloatThreshold * maxBytes.
// Returns the number of artifacts removed. Safe to call on a ticker.
func (c *Cache) VacuumIfNeeded() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes <= 0 || c.totalBytes <= c.maxBytes {
		return 0, nil
	}
	target := int64(float64(c.maxBytes) * c.bloatThreshold)

	type victim struct {
		fp string
		entry
	}
	victims := make([]victim, 0, len(c.index))
	for fp, e := range c.index {
		victims = append(victims, victim{fp: fp, entry: e})
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].modTime.Before(victims[j].modTime)
	})

	removed := 0
	for _, v := range victims {
		if c.totalBytes <= target {
			break
		}
		if err := os.Remove(v.file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("audiocache: vacuum %s: %w", v.fp, err)
		}
		delete(c.index, v.fp)
		c.totalBytes -= v.size
		removed++
	}
	return removed, nil
}
