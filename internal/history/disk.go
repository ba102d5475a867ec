package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

// diskBackend persists daily windows as JSON files under a cache directory
// so restarts within the TTL skip the refetch.
type diskBackend struct {
	dir string
}

type diskEntry struct {
	SavedAt time.Time    `json:"saved_at"`
	Expires time.Time    `json:"expires"`
	Bars    []market.Bar `json:"bars"`
}

// NewDiskBackend creates the cache directory if needed.
func NewDiskBackend(dir string) (Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &diskBackend{dir: dir}, nil
}

func (d *diskBackend) path(key string) string {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(key)
	return filepath.Join(d.dir, safe+".json")
}

func (d *diskBackend) Get(ctx context.Context, key string) ([]market.Bar, bool, error) {
	payload, err := os.ReadFile(d.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e diskEntry
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, false, err
	}
	if time.Now().After(e.Expires) {
		return nil, false, nil
	}
	return e.Bars, true, nil
}

func (d *diskBackend) Put(ctx context.Context, key string, bars []market.Bar, ttl time.Duration) error {
	now := time.Now().UTC()
	payload, err := json.Marshal(diskEntry{
		SavedAt: now,
		Expires: now.Add(ttl),
		Bars:    bars,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(d.path(key), payload, 0o644)
}

func (d *diskBackend) Purge(ctx context.Context, now time.Time) int {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		log.Debug().Err(err).Str("dir", d.dir).Msg("cache dir scan failed")
		return 0
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		payload, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var e diskEntry
		if err := json.Unmarshal(payload, &e); err != nil || now.After(e.Expires) {
			if os.Remove(path) == nil {
				n++
			}
		}
	}
	return n
}
