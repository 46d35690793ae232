package models

import (
	"time"
)

// TaskState represents the current state of a download task
type TaskState string

const (
	StateQueued      TaskState = "queued"
	StateDownloading TaskState = "downloading"
	StateExtracting  TaskState = "extracting"
	StateInstalled   TaskState = "installed"
	StateFailed      TaskState = "failed"
	StateCancelled   TaskState = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s TaskState) Terminal() bool {
	return s == StateInstalled || s == StateFailed || s == StateCancelled
}

// DownloadTask tracks one scenery through the download/install pipeline
type DownloadTask struct {
	ID                 string     `json:"id"`
	Seq                int64      `json:"seq"`
	Scenery            *Scenery   `json:"scenery"`
	State              TaskState  `json:"state"`
	Attempts           int        `json:"attempts"`
	LastError          *Error     `json:"-"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	ErrorKind          ErrorKind  `json:"error_kind,omitempty"`
	Progress           float64    `json:"progress"`
	BytesRead          int64      `json:"bytes_read"`
	TotalBytes         int64      `json:"total_bytes"`
	Speed              float64    `json:"speed"`
	InstallPath        string     `json:"install_path,omitempty"`
	PartiallyInstalled bool       `json:"partially_installed"`
	SubmittedAt        time.Time  `json:"submitted_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// SetError records err as the task's last error
func (t *DownloadTask) SetError(err *Error) {
	t.LastError = err
	if err == nil {
		t.ErrorMessage = ""
		t.ErrorKind = ""
		return
	}
	t.ErrorMessage = err.Error()
	t.ErrorKind = err.Kind
}

// Clone returns a copy safe to hand to other goroutines
func (t *DownloadTask) Clone() DownloadTask {
	c := *t
	if t.Scenery != nil {
		c.Scenery = t.Scenery.WithoutArchive()
	}
	return c
}

// TaskEvent is published whenever a task changes state or progress.
// Environment events carry no task and report that the simulator root is missing.
type TaskEvent struct {
	Task        DownloadTask `json:"task"`
	Environment *Error       `json:"-"`
	At          time.Time    `json:"at"`
}
