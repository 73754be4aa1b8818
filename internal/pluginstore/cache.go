package pluginstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const bucketManifests = "manifests"

// manifestKey is <plugin_id>/<version>, matching the filesystem layout
// one level down (§B.1).
func manifestKey(pluginID, version string) []byte {
	return []byte(pluginID + "/" + version)
}

// Cache is a bbolt-backed mirror of the on-disk plugin tree (§B.1). It
// is never authoritative: every read that misses falls back to a
// filesystem scan and repopulates the entry, and every write here is
// paired with the filesystem write that actually installs a plugin.
type Cache struct {
	db   *bolt.DB
	root string
	log  *zap.Logger
}

// Open opens (or creates) the bbolt file at dbPath and ensures the
// manifests bucket exists. root is the plugin-store filesystem root
// used to repopulate on a cache miss.
func Open(dbPath, root string, log *zap.Logger) (*Cache, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("pluginstore: open cache %q: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketManifests))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pluginstore: init cache bucket: %w", err)
	}
	return &Cache{db: db, root: root, log: log}, nil
}

// Rebuild clears the cache and repopulates it from a full filesystem
// scan (§B.1: "rebuilt from a full filesystem scan on startup").
func (c *Cache) Rebuild() (int, error) {
	manifests, err := Scan(c.root)
	if err != nil {
		return 0, err
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketManifests))
		if err := tx.DeleteBucket([]byte(bucketManifests)); err != nil {
			return err
		}
		b, err := tx.CreateBucket([]byte(bucketManifests))
		if err != nil {
			return err
		}
		for _, m := range manifests {
			data, err := json.Marshal(m)
			if err != nil {
				continue
			}
			if err := b.Put(manifestKey(m.PluginID, m.Version), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pluginstore: rebuild cache: %w", err)
	}
	return len(manifests), nil
}

// Put incrementally updates the cache entry for one plugin version
// (§B.1: "updated incrementally on every install/upgrade").
func (c *Cache) Put(m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("pluginstore: marshal manifest: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketManifests)).Put(manifestKey(m.PluginID, m.Version), data)
	})
}

// Get returns the cached manifest for pluginID/version, falling back to
// a filesystem read-and-repopulate on a cache miss.
func (c *Cache) Get(pluginID, version string) (Manifest, bool, error) {
	var (
		m     Manifest
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketManifests)).Get(manifestKey(pluginID, version))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return Manifest{}, false, fmt.Errorf("pluginstore: get %s/%s: %w", pluginID, version, err)
	}
	if found {
		return m, true, nil
	}

	dir := Dir(c.root, pluginID, version)
	fresh, err := ReadManifest(dir)
	if err != nil {
		return Manifest{}, false, nil
	}
	if c.log != nil {
		c.log.Debug("pluginstore: cache miss, repopulated from filesystem",
			zap.String("plugin_id", pluginID), zap.String("version", version))
	}
	_ = c.Put(fresh)
	return fresh, true, nil
}

// List returns every cached manifest.
func (c *Cache) List() ([]Manifest, error) {
	var out []Manifest
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketManifests)).ForEach(func(_, v []byte) error {
			var m Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("pluginstore: list: %w", err)
	}
	return out, nil
}

// Close closes the underlying bbolt file.
func (c *Cache) Close() error {
	return c.db.Close()
}
