package pluginstore

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store bundles the filesystem root and cache together so install and
// upgrade commands can keep both in lockstep (§6: "the filesystem is
// ground truth, any in-memory registry is a cache of filesystem state").
type Store struct {
	Root  string
	Cache *Cache
}

// InspectArchive reads manifest.json out of a plugin zip archive without
// installing it, for inspect_plugin_archive.
func InspectArchive(archivePath string) (Manifest, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return Manifest{}, fmt.Errorf("pluginstore: open archive %q: %w", archivePath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if filepath.Base(f.Name) != manifestFileName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Manifest{}, fmt.Errorf("pluginstore: read manifest entry: %w", err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return Manifest{}, fmt.Errorf("pluginstore: read manifest entry: %w", err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return Manifest{}, fmt.Errorf("pluginstore: parse manifest: %w", err)
		}
		return m, nil
	}
	return Manifest{}, fmt.Errorf("pluginstore: archive %q has no manifest.json", archivePath)
}

// Install extracts archivePath into <root>/<plugin_id>/<version>/ and
// registers the manifest with the cache. Fails if the destination
// already exists, since installing over an existing version is an
// upgrade, not an install.
func (s *Store) Install(archivePath string) (Manifest, error) {
	m, err := InspectArchive(archivePath)
	if err != nil {
		return Manifest{}, err
	}
	if _, err := ParseSemver(m.Version); err != nil {
		return Manifest{}, err
	}

	dest := Dir(s.Root, m.PluginID, m.Version)
	if _, err := os.Stat(dest); err == nil {
		return Manifest{}, fmt.Errorf("pluginstore: %s/%s already installed", m.PluginID, m.Version)
	}

	if err := extractZip(archivePath, dest); err != nil {
		return Manifest{}, err
	}
	if s.Cache != nil {
		_ = s.Cache.Put(m)
	}
	return m, nil
}

// Upgrade installs archivePath as a new version of an already-installed
// plugin, enforcing the strictly-newer rule unless force is set (§6).
func (s *Store) Upgrade(archivePath string, force bool) (Manifest, error) {
	m, err := InspectArchive(archivePath)
	if err != nil {
		return Manifest{}, err
	}
	requested, err := ParseSemver(m.Version)
	if err != nil {
		return Manifest{}, err
	}

	installed, err := s.installedVersions(m.PluginID)
	if err != nil {
		return Manifest{}, err
	}
	if len(installed) > 0 {
		latest := installed[0]
		for _, v := range installed[1:] {
			if v.Compare(latest) > 0 {
				latest = v
			}
		}
		if err := CheckUpgrade(latest, requested, force); err != nil {
			return Manifest{}, err
		}
	}

	dest := Dir(s.Root, m.PluginID, m.Version)
	if err := extractZip(archivePath, dest); err != nil {
		return Manifest{}, err
	}
	if s.Cache != nil {
		_ = s.Cache.Put(m)
	}
	return m, nil
}

func (s *Store) installedVersions(pluginID string) ([]Semver, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, pluginID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pluginstore: list versions of %q: %w", pluginID, err)
	}
	var out []Semver
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := ParseSemver(e.Name())
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// extractZip unpacks archivePath into dest, rejecting any entry whose
// cleaned path would escape dest (zip-slip).
func extractZip(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("pluginstore: open archive %q: %w", archivePath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("pluginstore: mkdir %q: %w", dest, err)
	}

	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
			return fmt.Errorf("pluginstore: archive entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("pluginstore: open entry %q: %w", f.Name, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode()|0o600)
		if err != nil {
			rc.Close()
			return fmt.Errorf("pluginstore: create %q: %w", target, err)
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return fmt.Errorf("pluginstore: extract %q: %w", f.Name, copyErr)
		}
	}
	return nil
}
