package models

import (
	"time"
)

// HistoryEntry is the archived record of a task that reached a terminal state
type HistoryEntry struct {
	TaskID             string     `json:"task_id"`
	Seq                int64      `json:"seq"`
	SceneryID          int64      `json:"scenery_id"`
	AirportICAO        string     `json:"airport_icao"`
	Artist             string     `json:"artist"`
	Version            string     `json:"version"`
	State              TaskState  `json:"state"`
	Attempts           int        `json:"attempts"`
	ErrorKind          ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	BytesRead          int64      `json:"bytes_read"`
	InstallPath        string     `json:"install_path,omitempty"`
	PartiallyInstalled bool       `json:"partially_installed"`
	SubmittedAt        time.Time  `json:"submitted_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	FinishedAt         time.Time  `json:"finished_at"`
}

// NewHistoryEntry builds the archive record for t
func NewHistoryEntry(t DownloadTask) *HistoryEntry {
	e := &HistoryEntry{
		TaskID:             t.ID,
		Seq:                t.Seq,
		State:              t.State,
		Attempts:           t.Attempts,
		ErrorKind:          t.ErrorKind,
		ErrorMessage:       t.ErrorMessage,
		BytesRead:          t.BytesRead,
		InstallPath:        t.InstallPath,
		PartiallyInstalled: t.PartiallyInstalled,
		SubmittedAt:        t.SubmittedAt,
		StartedAt:          t.StartedAt,
		FinishedAt:         time.Now(),
	}
	if t.FinishedAt != nil {
		e.FinishedAt = *t.FinishedAt
	}
	if t.Scenery != nil {
		e.SceneryID = t.Scenery.ID
		e.AirportICAO = t.Scenery.AirportICAO
		e.Artist = t.Scenery.Artist
		e.Version = t.Scenery.Version()
	}
	return e
}
