// Package bundle builds the deterministic, content-addressed archive
// shipped to a gate or executed locally for a single module invocation
// (spec.md §3, §4.3).
//
// A bundle is a zip archive containing one module's source plus the
// transitive modutil closure depscan resolved for it. Two bundles
// built from byte-identical inputs always produce byte-identical
// archives and the same content hash: entries are written in sorted
// archive-path order with a fixed modification time, so the hash never
// depends on directory-walk order or wall-clock time.
package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/forgewire/ftl/internal/depscan"
	"github.com/forgewire/ftl/internal/domain"
	"github.com/forgewire/ftl/internal/logging"
)

// fixedModTime is stamped on every zip entry so that the archive's
// bytes, and therefore its hash, never depend on when it was built.
var fixedModTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Spec describes the inputs to one bundle build.
type Spec struct {
	ModuleName string
	ModuleFile string // absolute path to the module's Go source
	DepConfig  depscan.Config
}

// Built is the result of a successful build: the archive bytes and the
// content hash (BundleRef) identifying them.
type Built struct {
	Ref   domain.BundleRef
	Bytes []byte
}

// Cache builds bundles and memoizes them by content hash, so repeated
// invocations of the same module against the same dependency set never
// rebuild the archive. Concurrent requests for a bundle that isn't
// cached yet are coalesced via singleflight so only one build runs.
type Cache struct {
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Built // hash -> built bundle

	onDiskDir string // optional: persist built bundles to disk
}

// NewCache creates a bundle cache. onDiskDir may be empty, in which
// case bundles live only in memory for the process lifetime.
func NewCache(onDiskDir string) *Cache {
	c := &Cache{
		entries:   map[string]*Built{},
		onDiskDir: onDiskDir,
	}
	if onDiskDir != "" {
		os.MkdirAll(onDiskDir, 0o755)
	}
	return c
}

// Build returns the bundle for spec, building it if necessary.
// Concurrent calls with the same effective content produce exactly one
// build; all callers receive the same *Built.
func (c *Cache) Build(spec Spec) (*Built, error) {
	hash, err := precomputeHash(spec)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	if b, ok := c.entries[hash]; ok {
		c.mu.RUnlock()
		return b, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(hash, func() (any, error) {
		c.mu.RLock()
		if b, ok := c.entries[hash]; ok {
			c.mu.RUnlock()
			return b, nil
		}
		c.mu.RUnlock()

		if c.onDiskDir != "" {
			if b, ok := c.loadFromDisk(hash); ok {
				c.mu.Lock()
				c.entries[hash] = b
				c.mu.Unlock()
				return b, nil
			}
		}

		built, err := build(spec)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[built.Ref.Hash] = built
		c.mu.Unlock()
		if c.onDiskDir != "" {
			c.saveToDisk(built)
		}
		logging.Op().Info("bundle built", "module", spec.ModuleName, "hash", built.Ref.Hash)
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Built), nil
}

func (c *Cache) diskPath(hash string) string {
	return filepath.Join(c.onDiskDir, "ftl_bundle_"+hash+".zip")
}

func (c *Cache) loadFromDisk(hash string) (*Built, bool) {
	data, err := os.ReadFile(c.diskPath(hash))
	if err != nil {
		return nil, false
	}
	return &Built{Ref: domain.BundleRef{Hash: hash}, Bytes: data}, true
}

func (c *Cache) saveToDisk(b *Built) {
	_ = os.WriteFile(c.diskPath(b.Ref.Hash), b.Bytes, 0o644)
}

// precomputeHash computes the bundle's content hash without building
// the archive: it runs collectEntries, which resolves dependencies and
// reads every file. On a cache miss build() collects and reads every
// file again, so a miss costs two reads per file and a hit one.
func precomputeHash(spec Spec) (string, error) {
	entries, err := collectEntries(spec)
	if err != nil {
		return "", err
	}
	return hashEntries(entries), nil
}

type archiveEntry struct {
	path string
	data []byte
}

func collectEntries(spec Spec) ([]archiveEntry, error) {
	moduleSrc, err := os.ReadFile(spec.ModuleFile)
	if err != nil {
		return nil, fmt.Errorf("read module file: %w", err)
	}
	entries := []archiveEntry{{path: spec.ModuleName + ".go", data: moduleSrc}}

	res, err := depscan.Resolve(spec.ModuleFile, spec.DepConfig)
	if err != nil {
		return nil, fmt.Errorf("resolve dependencies: %w", err)
	}
	for archivePath, abs := range res.Files {
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("read dependency %s: %w", archivePath, err)
		}
		entries = append(entries, archiveEntry{path: archivePath, data: data})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	return entries, nil
}

func hashEntries(entries []archiveEntry) string {
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.path))
		h.Write([]byte{0})
		sum := sha256.Sum256(e.data)
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func build(spec Spec) (*Built, error) {
	entries, err := collectEntries(spec)
	if err != nil {
		return nil, err
	}
	hash := hashEntries(entries)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{
			Name:     e.path,
			Method:   zip.Deflate,
			Modified: fixedModTime,
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", e.path, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("write zip entry %s: %w", e.path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}

	return &Built{
		Ref:   domain.BundleRef{Hash: hash},
		Bytes: buf.Bytes(),
	}, nil
}

// Unzip reads every entry of a built bundle's archive bytes back into
// memory, keyed by archive path. Used by anything that needs to load a
// bundle's contents into an interpreter session rather than ship it
// somewhere else unopened (internal/orchestrator's local fast path,
// internal/gate's subprocess re-exec).
func Unzip(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open bundle archive: %w", err)
	}
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open archive entry %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read archive entry %s: %w", f.Name, err)
		}
		files[f.Name] = data
	}
	return files, nil
}
