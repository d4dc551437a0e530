package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dir is a FileStore rooted at a single directory. Writes go through a
// temp file and rename so readers never observe partial content.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("storage: empty cache dir")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, err
	}
	return &Dir{root: abs}, nil
}

func (d *Dir) CacheDir() string { return d.root }

func (d *Dir) Exists(name string) bool {
	p, err := d.path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func (d *Dir) ReadString(name string) (string, error) {
	p, err := d.path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *Dir) WriteString(name, data string) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	tmp := p + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (d *Dir) Delete(name string) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (d *Dir) CreateDir(name string) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o700)
}

func (d *Dir) ListFiles(dir string) ([]string, error) {
	p := d.root
	if dir != "" {
		var err error
		if p, err = d.path(dir); err != nil {
			return nil, err
		}
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if dir != "" {
			name = dir + "/" + name
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Stats walks the store and reports file count and total bytes. The
// metrics collector polls it.
func (d *Dir) Stats() (int, int64, error) {
	var count int
	var bytes int64
	err := filepath.WalkDir(d.root, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		count++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return count, bytes, nil
}

func (d *Dir) path(name string) (string, error) {
	if name == "" {
		return "", errors.New("storage: empty file name")
	}
	p := filepath.Clean(filepath.Join(d.root, filepath.FromSlash(name)))
	if p != d.root && !strings.HasPrefix(p, d.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: name %q escapes cache dir", name)
	}
	return p, nil
}

const fileKVDir = "kv"

// fileKVEntry is the on-disk envelope for file-backed key/value pairs. The
// original key travels inside the file because file names are sanitized.
type fileKVEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FileKV adapts a FileStore into a KeyValueStore, one file per key under
// a kv/ subdirectory.
type FileKV struct {
	files FileStore
}

func NewFileKV(files FileStore) (*FileKV, error) {
	if err := files.CreateDir(fileKVDir); err != nil {
		return nil, err
	}
	return &FileKV{files: files}, nil
}

func (f *FileKV) GetString(_ context.Context, key string) (string, bool, error) {
	name := f.name(key)
	if !f.files.Exists(name) {
		return "", false, nil
	}
	raw, err := f.files.ReadString(name)
	if err != nil {
		return "", false, err
	}
	var e fileKVEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return "", false, fmt.Errorf("storage: corrupt kv file %s: %w", name, err)
	}
	if e.Key != key {
		return "", false, nil
	}
	return e.Value, true, nil
}

func (f *FileKV) SetString(_ context.Context, key, val string) error {
	data, err := json.Marshal(fileKVEntry{Key: key, Value: val})
	if err != nil {
		return err
	}
	return f.files.WriteString(f.name(key), string(data))
}

func (f *FileKV) Remove(_ context.Context, key string) error {
	return f.files.Delete(f.name(key))
}

func (f *FileKV) Keys(_ context.Context, prefix string) ([]string, error) {
	names, err := f.files.ListFiles(fileKVDir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, name := range names {
		raw, err := f.files.ReadString(name)
		if err != nil {
			continue
		}
		var e fileKVEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if strings.HasPrefix(e.Key, prefix) {
			keys = append(keys, e.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileKV) Clear(_ context.Context) error {
	names, err := f.files.ListFiles(fileKVDir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := f.files.Delete(name); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileKV) name(key string) string {
	return fileKVDir + "/" + SafeName(key) + ".json"
}
