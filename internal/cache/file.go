package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

const (
	fileExt = ".json"
	tmpExt  = ".tmp"
)

// envelope is the on-disk form of one entry. Compact JSON payloads are
// stored inline so cached stages stay readable; anything else is base64.
type envelope struct {
	WrittenAt time.Time       `json:"written_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Raw       []byte          `json:"raw,omitempty"`
}

func (e envelope) bytes() []byte {
	if e.Payload != nil {
		return []byte(e.Payload)
	}
	return e.Raw
}

// FileBackend stores one JSON file per key under a root directory. Writes go
// to a uniquely named temp file that is renamed into place, so readers see
// either the old or the new entry and concurrent writers resolve to the last
// rename.
type FileBackend struct {
	root    string
	nowFunc func() time.Time
}

// NewFileBackend creates the root directory if needed.
func NewFileBackend(root string) (*FileBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrap(err, "cache: create dir")
	}
	return &FileBackend{root: root, nowFunc: time.Now}, nil
}

// Root returns the backend's directory.
func (f *FileBackend) Root() string { return f.root }

func (f *FileBackend) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key)) + fileExt
}

func (f *FileBackend) read(path string) (envelope, bool, error) {
	var env envelope
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return env, false, nil
	}
	if err != nil {
		return env, false, eris.Wrap(err, "cache: read entry")
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, false, eris.Wrapf(err, "cache: decode entry %s", path)
	}
	return env, true, nil
}

func (f *FileBackend) live(env envelope) bool {
	return env.ExpiresAt == nil || !expired(f.nowFunc(), *env.ExpiresAt)
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	env, ok, err := f.read(f.path(key))
	if err != nil || !ok || !f.live(env) {
		return nil, false, err
	}
	return env.bytes(), true, nil
}

func (f *FileBackend) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	now := f.nowFunc()
	env := envelope{WrittenAt: now.UTC()}
	if exp := expiresAt(now, ttl); !exp.IsZero() {
		exp = exp.UTC()
		env.ExpiresAt = &exp
	}
	if inlineJSON(payload) {
		env.Payload = payload
	} else {
		env.Raw = payload
	}
	data, err := json.Marshal(env)
	if err != nil {
		return eris.Wrap(err, "cache: encode entry")
	}

	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "cache: create entry dir")
	}
	tmp := path + "." + uuid.NewString() + tmpExt
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrap(err, "cache: write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrap(err, "cache: rename entry")
	}
	return nil
}

// inlineJSON reports whether payload survives being embedded in the
// envelope byte for byte. Encoding compacts and HTML-escapes raw JSON.
func inlineJSON(payload []byte) bool {
	if !json.Valid(payload) {
		return false
	}
	enc, err := json.Marshal(json.RawMessage(payload))
	return err == nil && bytes.Equal(enc, payload)
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrap(err, "cache: delete entry")
	}
	return nil
}

// walk calls fn for every entry file with its key.
func (f *FileBackend) walk(fn func(key, path string) error) error {
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, fileExt) {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		return fn(strings.TrimSuffix(filepath.ToSlash(rel), fileExt), path)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileBackend) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := f.walk(func(key, path string) error {
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		env, ok, err := f.read(path)
		if err != nil {
			return err
		}
		if ok && f.live(env) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "cache: list")
	}
	slices.Sort(keys)
	return keys, nil
}

func (f *FileBackend) DeleteExpired(_ context.Context) (int, error) {
	n := 0
	err := f.walk(func(_, path string) error {
		env, ok, err := f.read(path)
		if err != nil || !ok || f.live(env) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, eris.Wrap(err, "cache: delete expired")
	}
	return n, nil
}
