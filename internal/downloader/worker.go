// Package downloader implements the download queue and worker functionality
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"scenery-downloader/internal/cleanup"
	"scenery-downloader/internal/gateway"
	"scenery-downloader/internal/metrics"
	"scenery-downloader/internal/simulator"
	"scenery-downloader/pkg/models"

	"github.com/google/uuid"
)

// SpeedHistory implements wget-style speed smoothing using a ring buffer
type SpeedHistory struct {
	samples    []SpeedSample
	pos        int
	size       int
	totalBytes int64
	totalTime  float64
}

type SpeedSample struct {
	bytes int64
	time  float64
}

const (
	SPEED_HISTORY_SIZE  = 20   // Number of samples in ring buffer (wget uses 20)
	SAMPLE_MIN_DURATION = 0.15 // Minimum 150ms between samples (wget default)
)

const (
	// DefaultMaxAttempts is the number of download attempts per task
	DefaultMaxAttempts = 5
	// DefaultBaseDelay is the wait before the second attempt; it doubles after that
	DefaultBaseDelay = time.Second

	progressInterval = 500 * time.Millisecond
	subscriberBuffer = 64
)

var (
	// ErrAlreadyQueued is returned when the scenery already has a task in flight
	ErrAlreadyQueued = errors.New("scenery is already queued")
	// ErrNotCancellable is returned for tasks that are extracting or finished
	ErrNotCancellable = errors.New("task can no longer be cancelled")
	// ErrTaskNotFound is returned for unknown task IDs
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotPartial is returned when a task has no partial install to act on
	ErrNotPartial = errors.New("task has no partial install")
	// ErrInvalidScenery is returned when enqueueing a scenery without an ID or airport code
	ErrInvalidScenery = errors.New("invalid scenery")
	// ErrBusy is returned when uninstalling a scenery that has a task in flight
	ErrBusy = errors.New("scenery has a task in flight")
)

// NewSpeedHistory creates a new speed history tracker
func NewSpeedHistory() *SpeedHistory {
	return &SpeedHistory{
		samples: make([]SpeedSample, SPEED_HISTORY_SIZE),
	}
}

// AddSample adds a new speed sample to the ring buffer
func (sh *SpeedHistory) AddSample(bytes int64, duration float64) {
	if duration < SAMPLE_MIN_DURATION {
		return
	}

	if sh.size == SPEED_HISTORY_SIZE {
		oldSample := sh.samples[sh.pos]
		sh.totalBytes -= oldSample.bytes
		sh.totalTime -= oldSample.time
	} else {
		sh.size++
	}

	sh.samples[sh.pos] = SpeedSample{
		bytes: bytes,
		time:  duration,
	}
	sh.totalBytes += bytes
	sh.totalTime += duration

	sh.pos = (sh.pos + 1) % SPEED_HISTORY_SIZE
}

// CalculateSpeed returns the smoothed download speed in bytes per second
func (sh *SpeedHistory) CalculateSpeed(recentBytes int64, recentTime float64) float64 {
	if sh.size == 0 && recentTime <= 0 {
		return 0
	}

	totalBytes := sh.totalBytes + recentBytes
	totalTime := sh.totalTime + recentTime

	if totalTime <= 0 {
		return 0
	}

	return float64(totalBytes) / totalTime
}

// Dependencies are the collaborators of a Worker. History and Metrics are optional.
type Dependencies struct {
	Fetcher   PackageFetcher
	Extractor ArchiveExtractor
	Installed InstalledStore
	History   HistoryStore
	Locator   simulator.RootLocator
	Manifests ManifestFactory
	Metrics   *metrics.Metrics
}

// running tracks the task the worker is processing
type running struct {
	id        string
	cancel    context.CancelFunc
	cancelled bool
}

// workerOp is a mutation that must run on the worker goroutine
type workerOp struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Worker owns the download queue. A single goroutine (Start) downloads and installs
// tasks one at a time in submission order and performs every manifest and registry
// mutation.
type Worker struct {
	fetcher     PackageFetcher
	extractor   ArchiveExtractor
	installed   InstalledStore
	history     HistoryStore
	locator     simulator.RootLocator
	newManifest ManifestFactory
	metrics     *metrics.Metrics
	logger      *slog.Logger

	maxAttempts int
	baseDelay   time.Duration

	mu             sync.Mutex
	tasks          map[string]*models.DownloadTask
	queue          []string         // IDs of queued tasks, FIFO
	inFlight       map[int64]string // scenery ID to non-terminal task ID
	seq            int64
	current        *running
	manualRoot     *simulator.Root
	root           *simulator.Root
	waitingForRoot bool

	// owned by the worker goroutine
	manifest    ManifestWriter
	manifestDir string

	wake chan struct{}
	ops  chan workerOp

	subsMu  sync.Mutex
	subs    map[int]chan models.TaskEvent
	nextSub int
}

// NewWorker creates a new download worker
func NewWorker(deps Dependencies) *Worker {
	return &Worker{
		fetcher:     deps.Fetcher,
		extractor:   deps.Extractor,
		installed:   deps.Installed,
		history:     deps.History,
		locator:     deps.Locator,
		newManifest: deps.Manifests,
		metrics:     deps.Metrics,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		tasks:       make(map[string]*models.DownloadTask),
		inFlight:    make(map[int64]string),
		wake:        make(chan struct{}, 1),
		ops:         make(chan workerOp),
		subs:        make(map[int]chan models.TaskEvent),
	}
}

// Start begins processing the download queue
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting download worker")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Download worker shutting down")
			return
		case op := <-w.ops:
			op.done <- op.fn(ctx)
		case <-w.wake:
			w.drain(ctx)
		}
	}
}

// Enqueue appends a task for scenery to the queue
func (w *Worker) Enqueue(scenery *models.Scenery) (models.DownloadTask, error) {
	if scenery == nil || scenery.ID <= 0 || scenery.AirportICAO == "" {
		return models.DownloadTask{}, ErrInvalidScenery
	}

	w.mu.Lock()
	if taskID, ok := w.inFlight[scenery.ID]; ok {
		w.mu.Unlock()
		w.logger.Info("Scenery already queued", "scenery_id", scenery.ID, "task_id", taskID)
		return models.DownloadTask{}, fmt.Errorf("scenery %d: %w", scenery.ID, ErrAlreadyQueued)
	}

	w.seq++
	task := &models.DownloadTask{
		ID:          uuid.NewString(),
		Seq:         w.seq,
		Scenery:     scenery.WithoutArchive(),
		State:       models.StateQueued,
		SubmittedAt: time.Now(),
	}
	w.tasks[task.ID] = task
	w.queue = append(w.queue, task.ID)
	w.inFlight[scenery.ID] = task.ID
	depth := len(w.queue)
	waiting := w.waitingForRoot
	snapshot := task.Clone()
	w.mu.Unlock()

	w.metrics.SetQueueDepth(depth)
	w.publish(models.TaskEvent{Task: snapshot, At: time.Now()})
	w.logger.Info("Download queued", "task_id", task.ID, "scenery_id", scenery.ID, "icao", scenery.AirportICAO)

	if !waiting {
		w.signal()
	}
	return snapshot, nil
}

// SetRoot points the worker at a simulator installation chosen by hand and resumes
// a queue that was waiting for one
func (w *Worker) SetRoot(path string) (simulator.Root, error) {
	root, err := simulator.Validate(path)
	if err != nil {
		return simulator.Root{}, err
	}

	w.mu.Lock()
	w.manualRoot = &root
	w.root = &root
	w.waitingForRoot = false
	w.mu.Unlock()

	w.logger.Info("Simulator root set", "path", root.Path, "version", root.Version)
	w.signal()
	return root, nil
}

// Root returns the root set by hand or used by the most recent install batch
func (w *Worker) Root() (simulator.Root, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.root == nil {
		return simulator.Root{}, false
	}
	return *w.root, true
}

// WaitingForRoot reports whether the queue is paused until SetRoot is called
func (w *Worker) WaitingForRoot() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waitingForRoot
}

// Cancel cancels a queued or downloading task. Queued tasks are removed without
// touching anything; downloading tasks stop at the next checkpoint.
func (w *Worker) Cancel(id string) error {
	w.mu.Lock()
	task, ok := w.tasks[id]
	if !ok {
		w.mu.Unlock()
		return ErrTaskNotFound
	}

	switch task.State {
	case models.StateQueued:
		w.removeQueued(id)
		depth := len(w.queue)
		w.mu.Unlock()

		w.metrics.SetQueueDepth(depth)
		w.finish(id, models.StateCancelled, nil)
		w.logger.Info("Queued download cancelled", "task_id", id)
		return nil

	case models.StateDownloading:
		if w.current != nil && w.current.id == id {
			w.current.cancelled = true
			w.current.cancel()
		}
		w.mu.Unlock()
		w.logger.Info("Cancelling download", "task_id", id)
		return nil

	default:
		w.mu.Unlock()
		return ErrNotCancellable
	}
}

// removeQueued drops id from the queue; w.mu must be held
func (w *Worker) removeQueued(id string) {
	for i, queued := range w.queue {
		if queued == id {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return
		}
	}
}

// Subscribe returns a channel of task events and a function that ends the
// subscription. Events are dropped for subscribers that fall behind.
func (w *Worker) Subscribe() (<-chan models.TaskEvent, func()) {
	ch := make(chan models.TaskEvent, subscriberBuffer)

	w.subsMu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = ch
	w.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.subsMu.Lock()
			delete(w.subs, id)
			close(ch)
			w.subsMu.Unlock()
		})
	}
}

func (w *Worker) publish(ev models.TaskEvent) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	for _, ch := range w.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Tasks returns a snapshot of all tasks in submission order
func (w *Worker) Tasks() []models.DownloadTask {
	w.mu.Lock()
	tasks := make([]models.DownloadTask, 0, len(w.tasks))
	for _, t := range w.tasks {
		tasks = append(tasks, t.Clone())
	}
	w.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks
}

// Task returns a snapshot of one task
func (w *Worker) Task(id string) (models.DownloadTask, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.tasks[id]
	if !ok {
		return models.DownloadTask{}, false
	}
	return t.Clone(), true
}

// ClearFinished forgets terminal tasks. Tasks holding a partial install are kept
// until they are activated or discarded.
func (w *Worker) ClearFinished() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cleared := 0
	for id, t := range w.tasks {
		if t.State.Terminal() && !t.PartiallyInstalled {
			delete(w.tasks, id)
			cleared++
		}
	}
	return cleared
}

// ActivatePartial registers the files of a partially installed task and records the
// install
func (w *Worker) ActivatePartial(ctx context.Context, id string) error {
	return w.submit(ctx, func(context.Context) error {
		task, err := w.partialTask(id)
		if err != nil {
			return err
		}

		sceneryDir := filepath.Dir(task.InstallPath)
		folder := filepath.Base(task.InstallPath)
		if err := w.register(sceneryDir, folder, task.Scenery, task.InstallPath); err != nil {
			return err
		}

		w.mu.Lock()
		t := w.tasks[id]
		t.State = models.StateInstalled
		t.PartiallyInstalled = false
		t.SetError(nil)
		t.Progress = 100
		snapshot := t.Clone()
		w.mu.Unlock()

		w.publish(models.TaskEvent{Task: snapshot, At: time.Now()})
		w.archive(snapshot)
		w.logger.Info("Partial install activated", "task_id", id, "path", task.InstallPath)
		return nil
	})
}

// DiscardPartial deletes the files of a partially installed task
func (w *Worker) DiscardPartial(ctx context.Context, id string) error {
	return w.submit(ctx, func(context.Context) error {
		task, err := w.partialTask(id)
		if err != nil {
			return err
		}

		if err := cleanup.NewService(filepath.Dir(task.InstallPath)).RemoveInstallDir(task.InstallPath); err != nil {
			return err
		}

		w.mu.Lock()
		t := w.tasks[id]
		t.PartiallyInstalled = false
		t.InstallPath = ""
		snapshot := t.Clone()
		w.mu.Unlock()

		w.publish(models.TaskEvent{Task: snapshot, At: time.Now()})
		w.archive(snapshot)
		w.logger.Info("Partial install discarded", "task_id", id, "path", task.InstallPath)
		return nil
	})
}

func (w *Worker) partialTask(id string) (models.DownloadTask, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.tasks[id]
	if !ok {
		return models.DownloadTask{}, ErrTaskNotFound
	}
	if !t.PartiallyInstalled || t.InstallPath == "" || t.Scenery == nil {
		return models.DownloadTask{}, ErrNotPartial
	}
	return t.Clone(), nil
}

// Uninstall deletes an installed scenery's folder, manifest entry and record
func (w *Worker) Uninstall(ctx context.Context, sceneryID int64) error {
	return w.submit(ctx, func(context.Context) error {
		const op = "uninstall scenery"

		w.mu.Lock()
		_, busy := w.inFlight[sceneryID]
		w.mu.Unlock()
		if busy {
			return fmt.Errorf("scenery %d: %w", sceneryID, ErrBusy)
		}

		rec, ok := w.installed.Get(sceneryID)
		if !ok {
			return models.Errorf(models.KindNotFound, op, "scenery %d is not installed", sceneryID).WithScenery(sceneryID)
		}

		sceneryDir := filepath.Dir(rec.InstallPath)
		folder := rec.FolderName
		if folder == "" {
			folder = filepath.Base(rec.InstallPath)
		}

		if err := cleanup.NewService(sceneryDir).RemoveInstallDir(rec.InstallPath); err != nil {
			return err
		}
		if err := w.manifestFor(sceneryDir).Unregister(folder); err != nil {
			return err
		}
		if err := w.installed.Remove(sceneryID); err != nil {
			return err
		}

		w.logger.Info("Scenery uninstalled", "scenery_id", sceneryID, "path", rec.InstallPath)
		return nil
	})
}

// submit runs fn on the worker goroutine and waits for its result
func (w *Worker) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	op := workerOp{fn: fn, done: make(chan error, 1)}

	select {
	case w.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// drain processes queued tasks until the queue is empty. The simulator root is
// resolved once per drain.
func (w *Worker) drain(ctx context.Context) {
	w.mu.Lock()
	empty := len(w.queue) == 0
	w.mu.Unlock()
	if empty {
		return
	}

	root, err := w.resolveRoot()
	if err != nil {
		merr, ok := models.AsError(err)
		if !ok || merr.Kind != models.KindEnvironmentNotFound {
			merr = models.NewError(models.KindEnvironmentNotFound, "locate simulator root", err)
		}

		w.mu.Lock()
		w.waitingForRoot = true
		w.mu.Unlock()

		w.logger.Warn("Simulator installation not found, waiting for a path", "error", err)
		w.publish(models.TaskEvent{Environment: merr, At: time.Now()})
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// let pending operations in between tasks
		select {
		case op := <-w.ops:
			op.done <- op.fn(ctx)
		default:
		}

		task, taskCtx, ok := w.next(ctx)
		if !ok {
			return
		}
		w.process(ctx, taskCtx, root, task)
	}
}

func (w *Worker) resolveRoot() (simulator.Root, error) {
	w.mu.Lock()
	manual := w.manualRoot
	w.mu.Unlock()

	var root simulator.Root
	if manual != nil {
		root = *manual
	} else {
		if w.locator == nil {
			return simulator.Root{}, models.Errorf(models.KindEnvironmentNotFound, "locate simulator root", "no simulator locator configured")
		}
		located, err := w.locator.LocateSimulatorRoot()
		if err != nil {
			return simulator.Root{}, err
		}
		root = located
	}

	w.mu.Lock()
	w.root = &root
	w.waitingForRoot = false
	w.mu.Unlock()
	return root, nil
}

// next pops the oldest queued task and marks it as downloading. The state change
// happens under the same lock as the pop so Cancel never sees a dequeued task
// as Queued.
func (w *Worker) next(ctx context.Context) (models.DownloadTask, context.Context, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == 0 {
		return models.DownloadTask{}, nil, false
	}
	id := w.queue[0]
	w.queue = w.queue[1:]
	w.metrics.SetQueueDepth(len(w.queue))

	taskCtx, cancel := context.WithCancel(ctx)
	started := time.Now()
	t := w.tasks[id]
	t.State = models.StateDownloading
	t.StartedAt = &started
	w.current = &running{id: id, cancel: cancel}
	return t.Clone(), taskCtx, true
}

// process downloads and installs one task claimed by next
func (w *Worker) process(ctx, taskCtx context.Context, root simulator.Root, task models.DownloadTask) {
	started := time.Now()
	if task.StartedAt != nil {
		started = *task.StartedAt
	}

	defer func() {
		w.mu.Lock()
		if w.current != nil && w.current.id == task.ID {
			w.current.cancel()
			w.current = nil
		}
		w.mu.Unlock()
	}()

	w.publish(models.TaskEvent{Task: task, At: started})
	w.logger.Info("Starting download", "task_id", task.ID, "scenery_id", task.Scenery.ID)

	scenery, err := w.download(taskCtx, task)
	if err == nil && scenery.AirportICAO == "" {
		scenery.AirportICAO = task.Scenery.AirportICAO
	}
	if err != nil {
		switch {
		case w.cancelRequested():
			w.finish(task.ID, models.StateCancelled, nil)
		case ctx.Err() != nil:
			w.requeue(task.ID)
		default:
			w.finish(task.ID, models.StateFailed, w.taskError(err, task))
		}
		return
	}

	// last checkpoint: extraction is not interruptible
	w.mu.Lock()
	if w.current.cancelled {
		w.mu.Unlock()
		w.finish(task.ID, models.StateCancelled, nil)
		return
	}
	t := w.tasks[task.ID]
	t.State = models.StateExtracting
	snapshot := t.Clone()
	w.mu.Unlock()
	w.publish(models.TaskEvent{Task: snapshot, At: time.Now()})

	folder := scenery.FolderName()
	dest := filepath.Join(root.SceneryDir, folder)

	installPath, err := w.extractor.Extract(scenery.Archive, dest)
	if err != nil {
		w.finish(task.ID, models.StateFailed, w.taskError(err, task))
		return
	}

	if err := w.manifestFor(root.SceneryDir).Register(folder); err != nil {
		w.logger.Error("Scenery extracted but not registered", "task_id", task.ID, "path", installPath, "error", err)
		w.setPartial(task.ID, installPath)
		partial := models.NewError(models.KindPartiallyInstalled, "register scenery pack", err)
		w.finish(task.ID, models.StateFailed, partial.WithScenery(scenery.ID).WithTask(task.ID))
		return
	}

	rec := models.NewInstalledScenery(scenery, installPath, time.Now())
	if err := w.installed.Upsert(rec); err != nil {
		if uerr := w.manifestFor(root.SceneryDir).Unregister(folder); uerr != nil {
			w.logger.Error("Failed to roll back manifest entry", "task_id", task.ID, "folder", folder, "error", uerr)
		}
		w.setPartial(task.ID, installPath)
		w.finish(task.ID, models.StateFailed, w.taskError(err, task))
		return
	}

	w.mu.Lock()
	t = w.tasks[task.ID]
	t.InstallPath = installPath
	t.Progress = 100
	w.mu.Unlock()

	w.metrics.ObserveInstall(time.Since(started))
	w.finish(task.ID, models.StateInstalled, nil)
	w.logger.Info("Scenery installed", "task_id", task.ID, "scenery_id", scenery.ID, "path", installPath)
}

// download runs the attempt loop. Transient failures are retried after 1s, 2s, 4s
// and 8s; anything else fails immediately.
func (w *Worker) download(ctx context.Context, task models.DownloadTask) (*models.Scenery, error) {
	var lastErr error

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 1 {
			backoff := w.baseDelay * time.Duration(1<<uint(attempt-2))
			w.logger.Info("Retrying download after backoff",
				"task_id", task.ID,
				"attempt", attempt,
				"backoff", backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		w.update(task.ID, func(t *models.DownloadTask) {
			t.Attempts = attempt
			t.BytesRead = 0
			t.Progress = 0
			t.Speed = 0
		})

		scenery, err := w.fetcher.FetchPackage(ctx, task.Scenery.ID, w.progressFunc(ctx, task.ID))
		if err == nil {
			return scenery, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		merr := w.taskError(err, task)
		w.update(task.ID, func(t *models.DownloadTask) { t.SetError(merr) })

		if !merr.Kind.Transient() {
			w.logger.Error("Download failed", "task_id", task.ID, "error", err)
			return nil, err
		}
		w.logger.Warn("Download attempt failed, will retry",
			"task_id", task.ID,
			"attempt", attempt,
			"error", err)
	}

	w.logger.Error("Download failed after all retries", "task_id", task.ID, "error", lastErr)
	return nil, lastErr
}

// progressFunc reports transfer progress with wget-style speed smoothing and
// aborts the transfer once ctx ends
func (w *Worker) progressFunc(ctx context.Context, taskID string) gateway.ProgressFunc {
	speedHistory := NewSpeedHistory()
	var (
		lastUpdate      time.Time
		lastSampleTime  = time.Now()
		lastSampleBytes int64
		reported        int64
	)

	return func(read, total int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.metrics.AddBytes(read - reported)
		reported = read

		now := time.Now()
		if now.Sub(lastUpdate) < progressInterval && read != total {
			return nil
		}

		timeSinceSample := now.Sub(lastSampleTime).Seconds()
		if timeSinceSample >= SAMPLE_MIN_DURATION {
			speedHistory.AddSample(read-lastSampleBytes, timeSinceSample)
			lastSampleTime = now
			lastSampleBytes = read
		}
		speed := speedHistory.CalculateSpeed(read-lastSampleBytes, now.Sub(lastSampleTime).Seconds())

		var progress float64
		if total > 0 {
			progress = float64(read) / float64(total) * 100
		}

		w.update(taskID, func(t *models.DownloadTask) {
			t.BytesRead = read
			t.TotalBytes = total
			t.Progress = progress
			t.Speed = speed
		})

		w.logger.Debug("Download progress",
			"task_id", taskID,
			"progress", fmt.Sprintf("%.1f%%", progress),
			"speed", fmt.Sprintf("%.1f KB/s", speed/1024))

		lastUpdate = now
		return nil
	}
}

func (w *Worker) cancelRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != nil && w.current.cancelled
}

// manifestFor returns the writer for sceneryDir, reusing it while the directory
// stays the same so the backup is taken once per session
func (w *Worker) manifestFor(sceneryDir string) ManifestWriter {
	if w.manifest == nil || w.manifestDir != sceneryDir {
		w.manifest = w.newManifest(sceneryDir)
		w.manifestDir = sceneryDir
	}
	return w.manifest
}

// register adds the manifest entry and the installed record, removing the entry
// again if the record cannot be saved
func (w *Worker) register(sceneryDir, folder string, scenery *models.Scenery, installPath string) error {
	manifest := w.manifestFor(sceneryDir)
	if err := manifest.Register(folder); err != nil {
		return err
	}

	if err := w.installed.Upsert(models.NewInstalledScenery(scenery, installPath, time.Now())); err != nil {
		if uerr := manifest.Unregister(folder); uerr != nil {
			w.logger.Error("Failed to roll back manifest entry", "folder", folder, "error", uerr)
		}
		return err
	}
	return nil
}

// update applies fn to a task and publishes the result
func (w *Worker) update(id string, fn func(t *models.DownloadTask)) {
	w.mu.Lock()
	t, ok := w.tasks[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	fn(t)
	snapshot := t.Clone()
	w.mu.Unlock()

	w.publish(models.TaskEvent{Task: snapshot, At: time.Now()})
}

func (w *Worker) setPartial(id, installPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.tasks[id]; ok {
		t.InstallPath = installPath
		t.PartiallyInstalled = true
	}
}

// requeue puts an interrupted task back at the head of the queue
func (w *Worker) requeue(id string) {
	w.mu.Lock()
	if t, ok := w.tasks[id]; ok {
		t.State = models.StateQueued
		t.StartedAt = nil
		w.queue = append([]string{id}, w.queue...)
	}
	w.mu.Unlock()
}

// finish moves a task to a terminal state, publishes it and archives it
func (w *Worker) finish(id string, state models.TaskState, err *models.Error) {
	now := time.Now()

	w.mu.Lock()
	t, ok := w.tasks[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	t.State = state
	t.FinishedAt = &now
	t.Speed = 0
	if state != models.StateFailed {
		t.SetError(nil)
	}
	if err != nil {
		t.SetError(err)
	}
	if t.Scenery != nil && w.inFlight[t.Scenery.ID] == id {
		delete(w.inFlight, t.Scenery.ID)
	}
	snapshot := t.Clone()
	w.mu.Unlock()

	kind := ""
	if err != nil {
		kind = string(err.Kind)
	}
	w.metrics.TaskFinished(string(state), kind, snapshot.Attempts)
	w.publish(models.TaskEvent{Task: snapshot, At: now})
	w.archive(snapshot)

	if state == models.StateFailed {
		w.logger.Error("Download task failed", "task_id", id, "error", snapshot.ErrorMessage)
	}
}

func (w *Worker) archive(task models.DownloadTask) {
	if w.history == nil {
		return
	}
	if err := w.history.RecordTask(models.NewHistoryEntry(task)); err != nil {
		w.logger.Warn("Failed to record task history", "task_id", task.ID, "error", err)
	}
}

// taskError converts err into a typed error carrying the task and scenery IDs.
// Untyped errors are treated as transport failures.
func (w *Worker) taskError(err error, task models.DownloadTask) *models.Error {
	merr, ok := models.AsError(err)
	if !ok {
		merr = models.NewError(models.KindUnavailable, "download scenery", err)
	}
	if task.Scenery != nil && merr.SceneryID == 0 {
		merr = merr.WithScenery(task.Scenery.ID)
	}
	return merr.WithTask(task.ID)
}
