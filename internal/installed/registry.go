// Package installed keeps the durable record of scenery packs installed locally
package installed

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"scenery-downloader/pkg/models"

	"github.com/bytedance/sonic"
)

// FileName is the registry file inside the data directory
const FileName = "installed_sceneries.json"

// Registry is a whole-file JSON store of installed sceneries. Reads use an
// immutable snapshot; mutations are serialized and only published after the file
// has been saved.
type Registry struct {
	path      string
	logger    *slog.Logger
	mu        sync.Mutex
	snapshot  atomic.Pointer[state]
	writeFile func(path string, data []byte) error
}

type state struct {
	byID map[int64]*models.InstalledScenery
}

// Open loads the registry at path. A missing file yields an empty registry. A
// corrupt file also yields an empty, usable registry together with a
// RegistryCorrupt error; the unreadable file is kept as <path>.corrupt.
func Open(path string) (*Registry, error) {
	r := &Registry{
		path:      path,
		logger:    slog.Default(),
		writeFile: writeFileAtomic,
	}
	r.snapshot.Store(&state{byID: map[int64]*models.InstalledScenery{}})

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, models.NewError(models.KindStorage, "open installed registry", fmt.Errorf("failed to read %s: %w", path, err))
	}

	records, err := decode(data)
	if err != nil {
		corruptPath := path + ".corrupt"
		if copyErr := os.WriteFile(corruptPath, data, 0o644); copyErr != nil {
			r.logger.Error("Failed to preserve corrupt registry", "path", corruptPath, "error", copyErr)
		}
		return r, models.NewError(models.KindRegistryCorrupt, "open installed registry", fmt.Errorf("%s is unreadable, starting empty: %w", path, err))
	}

	r.snapshot.Store(&state{byID: records})
	r.logger.Info("Loaded installed registry", "path", path, "count", len(records))
	return r, nil
}

func decode(data []byte) (map[int64]*models.InstalledScenery, error) {
	records := make(map[int64]*models.InstalledScenery)
	if len(strings.TrimSpace(string(data))) == 0 {
		return records, nil
	}

	var raw map[string]*models.InstalledScenery
	if err := sonic.ConfigStd.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	for key, rec := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid scenery id key %q", key)
		}
		if rec == nil {
			return nil, fmt.Errorf("empty record for scenery %d", id)
		}
		if rec.SceneryID == 0 {
			rec.SceneryID = id
		}
		if rec.SceneryID != id {
			return nil, fmt.Errorf("record key %d does not match scenery id %d", id, rec.SceneryID)
		}
		records[id] = rec
	}
	return records, nil
}

// Path returns the registry file location
func (r *Registry) Path() string {
	return r.path
}

// Upsert stores rec, replacing any record with the same scenery ID. When the
// save fails the in-memory state is unchanged.
func (r *Registry) Upsert(rec *models.InstalledScenery) error {
	if rec == nil || rec.SceneryID <= 0 {
		return models.Errorf(models.KindStorage, "upsert installed scenery", "record has no scenery id")
	}

	c := *rec
	return r.mutate("upsert installed scenery", func(next map[int64]*models.InstalledScenery) bool {
		next[c.SceneryID] = &c
		return true
	})
}

// Remove deletes the record for id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id int64) error {
	return r.mutate("remove installed scenery", func(next map[int64]*models.InstalledScenery) bool {
		if _, ok := next[id]; !ok {
			return false
		}
		delete(next, id)
		return true
	})
}

// mutate applies fn to a copy of the current records and publishes the copy once
// it has been saved
func (r *Registry) mutate(op string, fn func(map[int64]*models.InstalledScenery) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot.Load()
	next := make(map[int64]*models.InstalledScenery, len(current.byID)+1)
	for id, rec := range current.byID {
		next[id] = rec
	}
	if !fn(next) {
		return nil
	}

	if err := r.save(next); err != nil {
		return models.NewError(models.KindStorage, op, err)
	}

	r.snapshot.Store(&state{byID: next})
	return nil
}

func (r *Registry) save(records map[int64]*models.InstalledScenery) error {
	out := make(map[string]*models.InstalledScenery, len(records))
	for id, rec := range records {
		out[strconv.FormatInt(id, 10)] = rec
	}

	data, err := sonic.ConfigStd.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	if err := r.writeFile(r.path, data); err != nil {
		return err
	}

	r.logger.Debug("Saved installed registry", "path", r.path, "count", len(records))
	return nil
}

// Get returns a copy of the record for id
func (r *Registry) Get(id int64) (*models.InstalledScenery, bool) {
	rec, ok := r.snapshot.Load().byID[id]
	if !ok {
		return nil, false
	}
	c := *rec
	return &c, true
}

// IsInstalled reports whether a record exists for id
func (r *Registry) IsInstalled(id int64) bool {
	_, ok := r.snapshot.Load().byID[id]
	return ok
}

// List returns copies of all records ordered by airport then scenery ID
func (r *Registry) List() []*models.InstalledScenery {
	records := r.collect(func(*models.InstalledScenery) bool { return true })
	sort.Slice(records, func(i, j int) bool {
		if records[i].AirportICAO != records[j].AirportICAO {
			return records[i].AirportICAO < records[j].AirportICAO
		}
		return records[i].SceneryID < records[j].SceneryID
	})
	return records
}

// ForAirport returns copies of the records for icao, oldest install first
func (r *Registry) ForAirport(icao string) []*models.InstalledScenery {
	icao = strings.ToUpper(strings.TrimSpace(icao))
	records := r.collect(func(rec *models.InstalledScenery) bool { return rec.AirportICAO == icao })
	sort.Slice(records, func(i, j int) bool {
		if !records[i].InstalledAt.Equal(records[j].InstalledAt) {
			return records[i].InstalledAt.Before(records[j].InstalledAt)
		}
		return records[i].SceneryID < records[j].SceneryID
	})
	return records
}

func (r *Registry) collect(keep func(*models.InstalledScenery) bool) []*models.InstalledScenery {
	current := r.snapshot.Load()
	records := make([]*models.InstalledScenery, 0, len(current.byID))
	for _, rec := range current.byID {
		if keep(rec) {
			c := *rec
			records = append(records, &c)
		}
	}
	return records
}

// NeedsUpdate reports whether the gateway has something newer for the airport
// than the newest scenery installed for it. Records without a version date count
// as outdated.
func (r *Registry) NeedsUpdate(airport *models.Airport) bool {
	if airport == nil || airport.LastUpdated == nil {
		return false
	}

	records := r.ForAirport(airport.ICAO())
	if len(records) == 0 {
		return false
	}

	var newest *models.InstalledScenery
	for _, rec := range records {
		if rec.VersionDate == nil {
			continue
		}
		if newest == nil || rec.VersionDate.After(*newest.VersionDate) {
			newest = rec
		}
	}
	if newest == nil {
		return true
	}
	return newest.VersionDate.Before(*airport.LastUpdated)
}

// writeFileAtomic replaces path with data via a temp file in the same directory
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary registry: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temporary registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary registry: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}
