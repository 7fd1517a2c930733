package lumen

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lumen-vj/lumen/cache"
)

// effectExt is the on-disk extension for effect sources.
const effectExt = ".wgsl"

// LoadStatus is the last observed load outcome for an effect name, as
// reported by the loader. Browsers use it to badge library listings.
type LoadStatus int

const (
	StatusUnknown LoadStatus = iota
	StatusPending
	StatusLoaded
	StatusFailed
)

func (s LoadStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusLoaded:
		return "loaded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EffectLibrary resolves effect names to source text. Names are looked up as
// <name>.wgsl across the configured directories in order; in-memory
// registrations take precedence over disk. Resolved sources are cached, so a
// Reload after editing a file on disk should be preceded by Invalidate.
type EffectLibrary struct {
	mu       sync.RWMutex
	dirs     []string
	inMemory map[string]string
	status   map[string]LoadStatus

	sources *cache.Cache[librarySource]
}

type librarySource struct {
	text string
	path string
	hash uint64
}

func sourceHash(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	return h.Sum64()
}

// NewEffectLibrary creates a library searching the given directories.
func NewEffectLibrary(dirs ...string) *EffectLibrary {
	return &EffectLibrary{
		dirs:     append([]string(nil), dirs...),
		inMemory: make(map[string]string),
		status:   make(map[string]LoadStatus),
		sources:  cache.New[librarySource](0),
	}
}

// AddDir appends a search directory.
func (l *EffectLibrary) AddDir(dir string) {
	l.mu.Lock()
	l.dirs = append(l.dirs, dir)
	l.mu.Unlock()
}

// Register installs an in-memory effect source under name, shadowing any
// on-disk file of the same name.
func (l *EffectLibrary) Register(name, src string) {
	l.mu.Lock()
	l.inMemory[name] = src
	l.mu.Unlock()
	l.sources.Delete(name)
}

// Invalidate drops any cached source for name so the next lookup re-reads
// disk. Invalidating an uncached name is a no-op.
func (l *EffectLibrary) Invalidate(name string) {
	l.sources.Delete(name)
}

// Source resolves an effect name to its source text and origin path. The
// path is empty for in-memory effects. A failed lookup reports every path
// that was tried.
func (l *EffectLibrary) Source(name string) (src, path string, err error) {
	if cached, ok := l.sources.Get(name); ok {
		return cached.text, cached.path, nil
	}

	l.mu.RLock()
	if text, ok := l.inMemory[name]; ok {
		l.mu.RUnlock()
		l.sources.Set(name, librarySource{text: text, hash: sourceHash(text)})
		return text, "", nil
	}
	dirs := l.dirs
	l.mu.RUnlock()

	var tried []string
	for _, dir := range dirs {
		p := filepath.Join(dir, name+effectExt)
		data, readErr := os.ReadFile(p)
		if readErr == nil {
			text := string(data)
			l.sources.Set(name, librarySource{text: text, path: p, hash: sourceHash(text)})
			return text, p, nil
		}
		if !os.IsNotExist(readErr) {
			return "", p, fmt.Errorf("%w: read %s: %v", ErrConfiguration, p, readErr)
		}
		tried = append(tried, p)
	}
	return "", "", fmt.Errorf("%w: effect %q not found (tried %s)",
		ErrConfiguration, name, strings.Join(tried, ", "))
}

// Changed reports whether the on-disk (or registered) source for a cached
// effect differs from the cached copy, comparing content hashes. A changed
// source is dropped from the cache so the next Source call returns the new
// text. Uncached names report false.
func (l *EffectLibrary) Changed(name string) bool {
	cached, ok := l.sources.Get(name)
	if !ok {
		return false
	}

	l.mu.RLock()
	if text, inMem := l.inMemory[name]; inMem {
		l.mu.RUnlock()
		if sourceHash(text) == cached.hash {
			return false
		}
		l.sources.Delete(name)
		return true
	}
	dirs := l.dirs
	l.mu.RUnlock()

	for _, dir := range dirs {
		p := filepath.Join(dir, name+effectExt)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if sourceHash(string(data)) == cached.hash && p == cached.path {
			return false
		}
		l.sources.Delete(name)
		return true
	}
	// Source vanished entirely; the cached copy is stale.
	l.sources.Delete(name)
	return true
}

// SetStatus records the load outcome for an effect name. The loader calls
// this as jobs are enqueued and finished.
func (l *EffectLibrary) SetStatus(name string, s LoadStatus) {
	l.mu.Lock()
	l.status[name] = s
	l.mu.Unlock()
}

// Status returns the last recorded load outcome for name. Names never handed
// to a loader report StatusUnknown.
func (l *EffectLibrary) Status(name string) LoadStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status[name]
}

// Names lists every effect visible to the library: in-memory registrations
// plus *.wgsl files across the search directories, deduplicated and without
// extension. Unreadable directories are skipped.
func (l *EffectLibrary) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]bool, len(l.inMemory))
	var names []string
	for name := range l.inMemory {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			Logger().Warn("skipping unreadable effect directory", "dir", dir, "err", err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), effectExt) {
				continue
			}
			name := strings.TrimSuffix(e.Name(), effectExt)
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}
