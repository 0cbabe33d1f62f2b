// Package gatebuild builds and caches the self-contained gate archive
// shipped to a remote host once per distinct configuration (spec.md
// §4.4). A gate bundles the dispatcher loop plus every module and
// modutil file a target might invoke, so the gate, once deployed, can
// answer ListModules/Module/FTLModule requests without any further
// file transfer.
package gatebuild

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
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

var fixedModTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Spec describes everything that affects a gate's identity. Two Specs
// that hash identically always produce byte-identical gate archives.
type Spec struct {
	// ModuleDirs are directories scanned (non-recursively per entry,
	// callers may pass several) for top-level module Go source files.
	ModuleDirs []string
	// DispatcherSource is the gate dispatcher's own Go source,
	// embedded into the archive so the gate's behavior is pinned
	// alongside its module set.
	DispatcherSource []byte
	// Interpreter is the remote interpreter path override, if any;
	// it participates in the hash because a gate built for one
	// interpreter path is not safely reusable for another.
	Interpreter string
	DepConfig   depscan.Config
}

// Built is a built gate archive and its content hash.
type Built struct {
	Ref   domain.BundleRef
	Bytes []byte
}

// Cache builds gate archives and memoizes them on disk, keyed by
// content hash, deduplicating concurrent builds of the same gate via
// singleflight the same way internal/bundle does for module bundles.
type Cache struct {
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Built

	cacheDir string
}

func NewCache(cacheDir string) *Cache {
	if cacheDir != "" {
		os.MkdirAll(cacheDir, 0o755)
	}
	return &Cache{entries: map[string]*Built{}, cacheDir: cacheDir}
}

func (c *Cache) Build(spec Spec) (*Built, error) {
	entries, err := collectEntries(spec)
	if err != nil {
		return nil, err
	}
	hash := hashEntries(entries, spec.Interpreter)

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

		if c.cacheDir != "" {
			if data, err := os.ReadFile(c.diskPath(hash)); err == nil {
				b := &Built{Ref: domain.BundleRef{Hash: hash}, Bytes: data}
				c.mu.Lock()
				c.entries[hash] = b
				c.mu.Unlock()
				return b, nil
			}
		}

		built, err := buildArchive(entries, hash)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[hash] = built
		c.mu.Unlock()
		if c.cacheDir != "" {
			_ = os.WriteFile(c.diskPath(hash), built.Bytes, 0o644)
		}
		logging.Op().Info("gate built", "hash", hash, "modules", len(spec.ModuleDirs))
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Built), nil
}

func (c *Cache) diskPath(hash string) string {
	return filepath.Join(c.cacheDir, "ftl_gate_"+hash+".zip")
}

type archiveEntry struct {
	path string
	data []byte
}

func collectEntries(spec Spec) ([]archiveEntry, error) {
	var entries []archiveEntry
	entries = append(entries, archiveEntry{path: "dispatcher.go", data: spec.DispatcherSource})

	seen := map[string]bool{}
	for _, dir := range spec.ModuleDirs {
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read module dir %s: %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".go" {
				continue
			}
			modFile := filepath.Join(dir, f.Name())
			data, err := os.ReadFile(modFile)
			if err != nil {
				return nil, fmt.Errorf("read module %s: %w", modFile, err)
			}
			archivePath := "modules/" + f.Name()
			if !seen[archivePath] {
				seen[archivePath] = true
				entries = append(entries, archiveEntry{path: archivePath, data: data})
			}

			res, err := depscan.Resolve(modFile, spec.DepConfig)
			if err != nil {
				return nil, fmt.Errorf("resolve deps for %s: %w", modFile, err)
			}
			for archivePath, abs := range res.Files {
				if seen[archivePath] {
					continue
				}
				seen[archivePath] = true
				data, err := os.ReadFile(abs)
				if err != nil {
					return nil, fmt.Errorf("read dependency %s: %w", archivePath, err)
				}
				entries = append(entries, archiveEntry{path: archivePath, data: data})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	return entries, nil
}

func hashEntries(entries []archiveEntry, interpreter string) string {
	h := sha256.New()
	h.Write([]byte(interpreter))
	h.Write([]byte{0})
	for _, e := range entries {
		h.Write([]byte(e.path))
		h.Write([]byte{0})
		sum := sha256.Sum256(e.data)
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func buildArchive(entries []archiveEntry, hash string) (*Built, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.path, Method: zip.Deflate, Modified: fixedModTime}
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
	return &Built{Ref: domain.BundleRef{Hash: hash}, Bytes: buf.Bytes()}, nil
}
