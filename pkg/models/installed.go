package models

import (
	"time"
)

// InstalledScenery represents a scenery pack installed into the simulator
type InstalledScenery struct {
	SceneryID   int64      `json:"scenery_id"`
	AirportICAO string     `json:"airport_icao"`
	InstalledAt time.Time  `json:"installed_date"`
	InstallPath string     `json:"install_path"`
	FolderName  string     `json:"folder_name"`
	Version     string     `json:"version"`
	VersionDate *time.Time `json:"version_date,omitempty"`
}

// NewInstalledScenery creates an installed record for s at path
func NewInstalledScenery(s *Scenery, path string, now time.Time) *InstalledScenery {
	return &InstalledScenery{
		SceneryID:   s.ID,
		AirportICAO: s.AirportICAO,
		InstalledAt: now,
		InstallPath: path,
		FolderName:  s.FolderName(),
		Version:     s.Version(),
		VersionDate: s.VersionMarker(),
	}
}
