package aot

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("dxjit.aot")

// FileExt is the extension of cache entry files.
const FileExt = ".dxao"

// Cache is a content-addressed store of compiled functions, kept on disk
// under a root directory and mirrored in memory. It is safe for concurrent
// use, including by several processes sharing one root.
type Cache struct {
	root string

	mu  sync.RWMutex
	mem map[string]*CachedCode
	// gen advances on every Invalidate and Clear. A disk read started under
	// an older generation is returned but not mirrored into mem.
	gen uint64

	// afterRead, if set, runs between a disk read and the memory update.
	afterRead func()
}

// DefaultCacheDir returns the per-user cache location, honoring
// XDG_CACHE_HOME on Unix and LocalAppData on Windows.
func DefaultCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", ioError("", err)
	}
	return filepath.Join(base, "dxjit", "aot"), nil
}

// Open returns a cache rooted at root, creating the directory if needed.
// An empty root selects DefaultCacheDir.
func Open(root string) (*Cache, error) {
	if root == "" {
		var err error
		if root, err = DefaultCacheDir(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, ioError(root, err)
	}
	return &Cache{root: root, mem: make(map[string]*CachedCode)}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// SanitizeName maps a function name onto the file name alphabet: every
// rune that is not an ASCII letter, digit or underscore becomes '_'.
func SanitizeName(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, ch := range name {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_' {
			sb.WriteRune(ch)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func memKey(hash [HashSize]byte, name string) string {
	return HashHex(hash) + "_" + name
}

func fileName(hexHash, name string) string {
	return hexHash + "_" + SanitizeName(name) + FileExt
}

// Path returns the file an entry lives in:
// <root>/<hex(hash[0])><hex(hash[1])>/<hex(hash)>_<sanitized name>.dxao
func (c *Cache) Path(hash [HashSize]byte, name string) string {
	hexHash := HashHex(hash)
	return filepath.Join(c.root, hexHash[:4], fileName(hexHash, name))
}

// Get returns the entry for (hash, name). Any problem reading it, from a
// missing file to a corrupt header or a hash mismatch, is a miss.
func (c *Cache) Get(hash [HashSize]byte, name string) (*CachedCode, bool) {
	key := memKey(hash, name)
	c.mu.RLock()
	cc, ok := c.mem[key]
	gen := c.gen
	c.mu.RUnlock()
	if ok && cc.SourceHash == hash {
		return cc.Clone(), true
	}

	path := c.Path(hash, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Debugf("cache read %s: %v", path, err)
		}
		return nil, false
	}
	cc, err = Decode(data, hash)
	if err != nil {
		log.Debugf("ignoring cache entry: %v", withPath(err, path))
		return nil, false
	}

	if c.afterRead != nil {
		c.afterRead()
	}

	c.mu.Lock()
	if c.gen == gen {
		c.mem[key] = cc
	}
	c.mu.Unlock()
	return cc.Clone(), true
}

// Put stores code for (hash, name), replacing any existing entry. A zero
// SourceHash in code is filled in from hash; any other mismatch is
// rejected.
func (c *Cache) Put(hash [HashSize]byte, name string, code *CachedCode) error {
	stored := code.Clone()
	if stored.SourceHash == ([HashSize]byte{}) {
		stored.SourceHash = hash
	}
	path := c.Path(hash, name)
	if stored.SourceHash != hash {
		return newError(KindSourceHashMismatch, path, "code was compiled from a different source")
	}

	data, err := stored.MarshalBinary()
	if err != nil {
		return newError(KindInvalidCacheFile, path, err.Error())
	}
	if err := writeFileAtomic(path, data); err != nil {
		return ioError(path, err)
	}

	c.mu.Lock()
	c.mem[memKey(hash, name)] = stored
	c.mu.Unlock()
	return nil
}

// writeFileAtomic writes data next to path and renames it into place, so
// concurrent readers see either the old file or the new one.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Invalidate removes every entry compiled from the source with hash, on
// disk and in memory, and returns how many entries were removed.
func (c *Cache) Invalidate(hash [HashSize]byte) (int, error) {
	hexHash := HashHex(hash)
	dir := filepath.Join(c.root, hexHash[:4])
	removed := make(map[string]struct{})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++

	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, ioError(dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), hexHash) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return len(removed), ioError(path, err)
		}
		removed[e.Name()] = struct{}{}
	}
	// Drop the shard directory if that emptied it.
	if len(entries) > 0 {
		_ = os.Remove(dir)
	}

	prefix := hexHash + "_"
	for key := range c.mem {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		removed[fileName(hexHash, strings.TrimPrefix(key, prefix))] = struct{}{}
		delete(c.mem, key)
	}

	if len(removed) > 0 {
		log.Infof("invalidated %d cache entries for %s", len(removed), hexHash)
	}
	return len(removed), nil
}

// Clear deletes the whole cache and recreates an empty root.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++

	if err := os.RemoveAll(c.root); err != nil {
		return ioError(c.root, err)
	}
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return ioError(c.root, err)
	}
	c.mem = make(map[string]*CachedCode)
	return nil
}

// Entry describes one cache file.
type Entry struct {
	Path     string
	Hash     [HashSize]byte
	Function string // sanitized
	Size     int64
	ModTime  time.Time
}

// Entries lists every well-named entry file under the root, sorted by path.
// Contents are not validated.
func (c *Cache) Entries() ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), FileExt) {
			return nil
		}
		base := strings.TrimSuffix(d.Name(), FileExt)
		hexHash, fn, ok := strings.Cut(base, "_")
		if !ok {
			return nil
		}
		hash, err := ParseHash(hexHash)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Entry{
			Path:     path,
			Hash:     hash,
			Function: fn,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, ioError(c.root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// MemoryLen returns the number of entries held in memory.
func (c *Cache) MemoryLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mem)
}
