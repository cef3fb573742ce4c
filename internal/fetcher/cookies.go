package fetcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// CookieStore persists a name to value cookie map as JSON.
type CookieStore struct {
	mu   sync.Mutex
	path string
}

// NewCookieStore returns a store backed by path. An empty path disables persistence.
func NewCookieStore(path string) *CookieStore {
	return &CookieStore{path: path}
}

// Load reads the cookie map. A missing file yields an empty map.
func (c *CookieStore) Load() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cookies := map[string]string{}
	if c.path == "" {
		return cookies, nil
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cookies, nil
	}
	if err != nil {
		return cookies, fmt.Errorf("read cookies: %w", err)
	}
	if err := json.Unmarshal(data, &cookies); err != nil {
		return map[string]string{}, fmt.Errorf("decode cookies: %w", err)
	}
	return cookies, nil
}

// Save writes the cookie map atomically.
func (c *CookieStore) Save(cookies map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		return nil
	}
	data, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil {
		return fmt.Errorf("create cookie dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace cookies: %w", err)
	}
	return nil
}

func toHTTPCookies(m map[string]string) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(m))
	for name, value := range m {
		out = append(out, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	return out
}

func fromHTTPCookies(cs []*http.Cookie) map[string]string {
	out := make(map[string]string, len(cs))
	for _, c := range cs {
		out[c.Name] = c.Value
	}
	return out
}
