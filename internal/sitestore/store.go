// Package sitestore persists site definitions as one JSON document per
// site under a state directory.
package sitestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/Rushilwiz/director4/schema"
)

// Catalog resolves base image aliases to pullable references.
type Catalog interface {
	Resolve(base string) (string, error)
}

// Store persists sites to disk and serializes mutations.
type Store struct {
	dir     string
	catalog Catalog
	log     pslog.Logger

	mu    sync.RWMutex
	sites map[schema.SiteID]schema.Site
}

// New constructs a store at the given directory and loads existing
// site documents.
func New(dir string, catalog Catalog, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("site state directory is required")
	}
	if catalog == nil {
		return nil, errors.New("base image catalog is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.NewWithOptions(os.Stderr, pslog.Options{})
	}
	s := &Store{
		dir:     dir,
		catalog: catalog,
		log:     logger.With("state_dir", dir),
		sites:   make(map[schema.SiteID]schema.Site),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("site load failed", "file", entry.Name(), "err", err)
			return err
		}
		var site schema.Site
		if err := json.Unmarshal(data, &site); err != nil {
			s.log.Warn("site load failed", "file", entry.Name(), "err", err)
			return fmt.Errorf("site document %s: %w", entry.Name(), err)
		}
		if err := schema.ValidateSiteID(site.ID); err != nil {
			s.log.Warn("site load skipped", "file", entry.Name(), "err", err)
			continue
		}
		s.sites[site.ID] = site
	}
	s.log.Debug("site store loaded", "sites", len(s.sites))
	return nil
}

// Create validates and persists a new site definition.
func (s *Store) Create(site schema.Site) (schema.Site, error) {
	if err := s.normalize(&site); err != nil {
		return schema.Site{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[site.ID]; ok {
		return schema.Site{}, fmt.Errorf("site %s: %w", site.ID, schema.ErrSiteExists)
	}
	now := time.Now().UTC()
	site.CreatedAt = now
	site.UpdatedAt = now
	site.Revision = 1
	if err := s.write(site); err != nil {
		return schema.Site{}, err
	}
	s.sites[site.ID] = site
	s.log.Info("site created", "site", site.ID, "base", site.BaseImage, "packages", len(site.Packages))
	return site, nil
}

// Get returns a site by id.
func (s *Store) Get(id schema.SiteID) (schema.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	if !ok {
		return schema.Site{}, fmt.Errorf("site %s: %w", id, schema.ErrSiteNotFound)
	}
	return site, nil
}

// Update applies mutate to the stored site, bumps the revision and
// persists the result. The mutation runs under the store lock.
func (s *Store) Update(id schema.SiteID, mutate func(*schema.Site) error) (schema.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return schema.Site{}, fmt.Errorf("site %s: %w", id, schema.ErrSiteNotFound)
	}
	updated := site
	if err := mutate(&updated); err != nil {
		return schema.Site{}, err
	}
	updated.ID = site.ID
	updated.CreatedAt = site.CreatedAt
	if err := s.normalize(&updated); err != nil {
		return schema.Site{}, err
	}
	updated.Revision = site.Revision + 1
	updated.UpdatedAt = time.Now().UTC()
	if err := s.write(updated); err != nil {
		return schema.Site{}, err
	}
	s.sites[id] = updated
	s.log.Info("site updated", "site", id, "revision", updated.Revision)
	return updated, nil
}

// Delete removes a site document.
func (s *Store) Delete(id schema.SiteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[id]; !ok {
		return fmt.Errorf("site %s: %w", id, schema.ErrSiteNotFound)
	}
	if err := os.Remove(s.pathFor(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	delete(s.sites, id)
	s.log.Info("site deleted", "site", id)
	return nil
}

// List returns all sites ordered by id.
func (s *Store) List() []schema.Site {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Site, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, site)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) normalize(site *schema.Site) error {
	if err := schema.ValidateSiteID(site.ID); err != nil {
		return err
	}
	if strings.TrimSpace(site.Owner) == "" {
		return errors.New("site owner is required")
	}
	if _, err := s.catalog.Resolve(site.BaseImage); err != nil {
		return err
	}
	packages, err := schema.NormalizePackages(site.Packages)
	if err != nil {
		return err
	}
	site.Packages = packages
	if site.Override != nil {
		if err := validateOverride(*site.Override); err != nil {
			return err
		}
	}
	switch site.Desired {
	case "":
		site.Desired = schema.DesiredStopped
	case schema.DesiredRunning, schema.DesiredStopped:
	default:
		return fmt.Errorf("unknown desired state %q", site.Desired)
	}
	return nil
}

func validateOverride(o schema.QuotaOverride) error {
	if strings.TrimSpace(o.ApprovedBy) == "" {
		return schema.ErrOverrideNotApproved
	}
	if o.MemoryBytes < 0 || o.NanoCPUs < 0 {
		return schema.ErrInvalidQuota
	}
	return nil
}

func (s *Store) write(site schema.Site) error {
	path := s.pathFor(site.ID)
	data, err := json.MarshalIndent(site, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "site-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *Store) pathFor(id schema.SiteID) string {
	return filepath.Join(s.dir, string(id)+".json")
}
