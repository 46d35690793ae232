package downloader

import (
	"context"

	"scenery-downloader/internal/gateway"
	"scenery-downloader/pkg/models"
)

// PackageFetcher downloads a scenery with its decoded archive
//
//go:generate mockgen -source=interfaces.go -destination=mocks/mock_interfaces.go -package=mocks
type PackageFetcher interface {
	FetchPackage(ctx context.Context, id int64, progress gateway.ProgressFunc) (*models.Scenery, error)
}

// ArchiveExtractor installs an archive payload into a folder
type ArchiveExtractor interface {
	Extract(data []byte, destDir string) (string, error)
}

// ManifestWriter edits the simulator's scenery list
type ManifestWriter interface {
	Register(folder string) error
	Unregister(folder string) error
}

// InstalledStore is the durable record of installed sceneries
type InstalledStore interface {
	Upsert(rec *models.InstalledScenery) error
	Remove(id int64) error
	Get(id int64) (*models.InstalledScenery, bool)
}

// HistoryStore archives finished tasks
type HistoryStore interface {
	RecordTask(entry *models.HistoryEntry) error
}

// ManifestFactory opens the manifest writer for a Custom Scenery directory
type ManifestFactory func(sceneryDir string) ManifestWriter
