package downloader

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"scenery-downloader/internal/database"
	"scenery-downloader/internal/downloader/mocks"
	"scenery-downloader/internal/extractor"
	"scenery-downloader/internal/gateway"
	"scenery-downloader/internal/installed"
	"scenery-downloader/internal/manifest"
	"scenery-downloader/internal/simulator"
	"scenery-downloader/pkg/models"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestNewSpeedHistory(t *testing.T) {
	sh := NewSpeedHistory()
	require.NotNil(t, sh)
	require.Equal(t, SPEED_HISTORY_SIZE, len(sh.samples))
	require.Equal(t, 0, sh.pos)
	require.Equal(t, 0, sh.size)
	require.Equal(t, int64(0), sh.totalBytes)
	require.Equal(t, float64(0), sh.totalTime)
}

func TestSpeedHistory_AddSample(t *testing.T) {
	sh := NewSpeedHistory()

	// Below SAMPLE_MIN_DURATION
	sh.AddSample(1000, 0.1)
	require.Equal(t, 0, sh.size)

	sh.AddSample(1000, 0.2)
	require.Equal(t, 1, sh.size)
	require.Equal(t, int64(1000), sh.totalBytes)
	require.Equal(t, 0.2, sh.totalTime)

	for i := 0; i < 5; i++ {
		sh.AddSample(1000, 0.2)
	}
	require.Equal(t, 6, sh.size)
	require.Equal(t, int64(6000), sh.totalBytes)
	require.InDelta(t, 1.2, sh.totalTime, 0.0001)

	// Ring buffer overflow replaces the oldest samples
	for i := 0; i < SPEED_HISTORY_SIZE; i++ {
		sh.AddSample(500, 0.3)
	}
	require.Equal(t, SPEED_HISTORY_SIZE, sh.size)
	require.Equal(t, int64(SPEED_HISTORY_SIZE*500), sh.totalBytes)
	require.InDelta(t, float64(SPEED_HISTORY_SIZE)*0.3, sh.totalTime, 0.0001)
}

func TestSpeedHistory_CalculateSpeed(t *testing.T) {
	sh := NewSpeedHistory()

	require.Equal(t, float64(0), sh.CalculateSpeed(0, 0))
	require.Equal(t, float64(1000), sh.CalculateSpeed(1000, 1.0))

	sh.AddSample(2000, 1.0)
	sh.AddSample(3000, 1.5)
	expected := float64(2000+3000+1000) / (1.0 + 1.5 + 0.5)
	require.Equal(t, expected, sh.CalculateSpeed(1000, 0.5))

	require.Greater(t, sh.CalculateSpeed(1000, 0), float64(0))
}

type workerMocks struct {
	fetcher   *mocks.MockPackageFetcher
	extractor *mocks.MockArchiveExtractor
	manifest  *mocks.MockManifestWriter
	installed *mocks.MockInstalledStore
}

func newTestWorker(t *testing.T, locator simulator.RootLocator) (*Worker, *workerMocks) {
	t.Helper()

	ctrl := gomock.NewController(t)
	m := &workerMocks{
		fetcher:   mocks.NewMockPackageFetcher(ctrl),
		extractor: mocks.NewMockArchiveExtractor(ctrl),
		manifest:  mocks.NewMockManifestWriter(ctrl),
		installed: mocks.NewMockInstalledStore(ctrl),
	}

	w := NewWorker(Dependencies{
		Fetcher:   m.fetcher,
		Extractor: m.extractor,
		Installed: m.installed,
		Locator:   locator,
		Manifests: func(string) ManifestWriter { return m.manifest },
	})
	w.baseDelay = time.Millisecond
	return w, m
}

func testRoot(t *testing.T) simulator.Root {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "X-Plane 12")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, simulator.CustomSceneryDir), 0755))
	root, err := simulator.Validate(dir)
	require.NoError(t, err)
	return root
}

func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func testScenery(id int64) *models.Scenery {
	return &models.Scenery{ID: id, AirportICAO: "KJFK", Artist: "jdoe", Archive: []byte("PK archive " + strconv.FormatInt(id, 10))}
}

func waitForState(t *testing.T, w *Worker, id string, state models.TaskState) models.DownloadTask {
	t.Helper()
	var task models.DownloadTask
	require.Eventually(t, func() bool {
		var ok bool
		task, ok = w.Task(id)
		return ok && task.State == state
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, state)
	return task
}

func extractInPlace(data []byte, dest string) (string, error) {
	return dest, nil
}

func TestNewWorker(t *testing.T) {
	w, _ := newTestWorker(t, simulator.StaticLocator{})
	require.NotNil(t, w.logger)
	require.NotNil(t, w.tasks)
	require.NotNil(t, w.inFlight)
	require.Equal(t, DefaultMaxAttempts, w.maxAttempts)
	require.Empty(t, w.Tasks())
}

func TestWorker_Enqueue(t *testing.T) {
	w, _ := newTestWorker(t, simulator.StaticLocator{})

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	require.Equal(t, models.StateQueued, task.State)
	require.Equal(t, int64(1), task.Seq)
	require.Nil(t, task.Scenery.Archive)

	_, err = w.Enqueue(testScenery(101))
	require.ErrorIs(t, err, ErrAlreadyQueued)

	second, err := w.Enqueue(testScenery(102))
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Seq)

	_, err = w.Enqueue(nil)
	require.ErrorIs(t, err, ErrInvalidScenery)
	_, err = w.Enqueue(&models.Scenery{})
	require.ErrorIs(t, err, ErrInvalidScenery)
	_, err = w.Enqueue(&models.Scenery{ID: 103})
	require.ErrorIs(t, err, ErrInvalidScenery)

	tasks := w.Tasks()
	require.Len(t, tasks, 2)
	require.Equal(t, task.ID, tasks[0].ID)
	require.Equal(t, second.ID, tasks[1].ID)
}

func TestWorker_ProcessesInOrder(t *testing.T) {
	root := testRoot(t)
	w, m := newTestWorker(t, simulator.StaticLocator{Root: root})

	notFound := models.Errorf(models.KindNotFound, "fetch scenery", "scenery 101 not found")
	gomock.InOrder(
		m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).Return(nil, notFound),
		m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(102), gomock.Any()).
			DoAndReturn(func(ctx context.Context, id int64, progress gateway.ProgressFunc) (*models.Scenery, error) {
				require.NoError(t, progress(50, 100))
				require.NoError(t, progress(100, 100))
				return testScenery(id), nil
			}),
		m.extractor.EXPECT().Extract([]byte("PK archive 102"), filepath.Join(root.SceneryDir, "KJFK_102")).DoAndReturn(extractInPlace),
		m.manifest.EXPECT().Register("KJFK_102").Return(nil),
		m.installed.EXPECT().Upsert(gomock.Any()).Return(nil),
		m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(103), gomock.Any()).Return(testScenery(103), nil),
		m.extractor.EXPECT().Extract(gomock.Any(), filepath.Join(root.SceneryDir, "KJFK_103")).DoAndReturn(extractInPlace),
		m.manifest.EXPECT().Register("KJFK_103").Return(nil),
		m.installed.EXPECT().Upsert(gomock.Any()).DoAndReturn(func(rec *models.InstalledScenery) error {
			require.Equal(t, int64(103), rec.SceneryID)
			require.Equal(t, "KJFK_103", rec.FolderName)
			require.Equal(t, filepath.Join(root.SceneryDir, "KJFK_103"), rec.InstallPath)
			return nil
		}),
	)

	var ids []string
	for _, id := range []int64{101, 102, 103} {
		task, err := w.Enqueue(testScenery(id))
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	startWorker(t, w)

	failed := waitForState(t, w, ids[0], models.StateFailed)
	require.Equal(t, models.KindNotFound, failed.ErrorKind)
	require.Equal(t, 1, failed.Attempts)
	require.NotNil(t, failed.FinishedAt)

	second := waitForState(t, w, ids[1], models.StateInstalled)
	require.Equal(t, float64(100), second.Progress)
	require.Equal(t, int64(100), second.BytesRead)
	require.Equal(t, filepath.Join(root.SceneryDir, "KJFK_102"), second.InstallPath)

	third := waitForState(t, w, ids[2], models.StateInstalled)
	require.Empty(t, third.ErrorMessage)

	got, ok := w.Root()
	require.True(t, ok)
	require.Equal(t, root.Path, got.Path)

	// finished sceneries can be queued again
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.inFlight) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_CancelAfterDequeue(t *testing.T) {
	root := testRoot(t)
	// no expectations: any fetch, extract or registry call fails the test
	w, _ := newTestWorker(t, simulator.StaticLocator{Root: root})

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)

	ctx := context.Background()
	claimed, taskCtx, ok := w.next(ctx)
	require.True(t, ok)
	require.Equal(t, task.ID, claimed.ID)
	require.Equal(t, models.StateDownloading, claimed.State)

	got, _ := w.Task(task.ID)
	require.Equal(t, models.StateDownloading, got.State)

	require.NoError(t, w.Cancel(task.ID))
	require.ErrorIs(t, taskCtx.Err(), context.Canceled)

	w.process(ctx, taskCtx, root, claimed)

	got, _ = w.Task(task.ID)
	require.Equal(t, models.StateCancelled, got.State)
	require.Equal(t, 0, got.Attempts)

	// the scenery is free to be queued again, once
	_, err = w.Enqueue(testScenery(101))
	require.NoError(t, err)
	_, err = w.Enqueue(testScenery(101))
	require.ErrorIs(t, err, ErrAlreadyQueued)
}

func TestWorker_FillsMissingAirportCode(t *testing.T) {
	root := testRoot(t)
	w, m := newTestWorker(t, simulator.StaticLocator{Root: root})

	dest := filepath.Join(root.SceneryDir, "KJFK_101")
	gomock.InOrder(
		m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).
			Return(&models.Scenery{ID: 101, Artist: "jdoe", Archive: []byte("PK archive 101")}, nil),
		m.extractor.EXPECT().Extract([]byte("PK archive 101"), dest).DoAndReturn(extractInPlace),
		m.manifest.EXPECT().Register("KJFK_101").Return(nil),
		m.installed.EXPECT().Upsert(gomock.Any()).DoAndReturn(func(rec *models.InstalledScenery) error {
			require.Equal(t, "KJFK", rec.AirportICAO)
			require.Equal(t, "KJFK_101", rec.FolderName)
			return nil
		}),
	)

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)

	startWorker(t, w)

	done := waitForState(t, w, task.ID, models.StateInstalled)
	require.Equal(t, dest, done.InstallPath)
}

func TestWorker_CancelQueued(t *testing.T) {
	w, _ := newTestWorker(t, simulator.StaticLocator{})

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)

	require.NoError(t, w.Cancel(task.ID))

	got, ok := w.Task(task.ID)
	require.True(t, ok)
	require.Equal(t, models.StateCancelled, got.State)
	require.Zero(t, got.Attempts)

	require.ErrorIs(t, w.Cancel(task.ID), ErrNotCancellable)
	require.ErrorIs(t, w.Cancel("missing"), ErrTaskNotFound)

	_, err = w.Enqueue(testScenery(101))
	require.NoError(t, err)
}

func TestWorker_CancelDownloading(t *testing.T) {
	w, m := newTestWorker(t, simulator.StaticLocator{Root: testRoot(t)})

	started := make(chan struct{})
	m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).
		DoAndReturn(func(ctx context.Context, id int64, progress gateway.ProgressFunc) (*models.Scenery, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)
	startWorker(t, w)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	require.NoError(t, w.Cancel(task.ID))
	got := waitForState(t, w, task.ID, models.StateCancelled)
	require.Empty(t, got.ErrorKind)
}

func TestWorker_CancelExtractingRefused(t *testing.T) {
	root := testRoot(t)
	w, m := newTestWorker(t, simulator.StaticLocator{Root: root})

	release := make(chan struct{})
	m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).Return(testScenery(101), nil)
	m.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).
		DoAndReturn(func(data []byte, dest string) (string, error) {
			<-release
			return dest, nil
		})
	m.manifest.EXPECT().Register("KJFK_101").Return(nil)
	m.installed.EXPECT().Upsert(gomock.Any()).Return(nil)

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)
	startWorker(t, w)

	waitForState(t, w, task.ID, models.StateExtracting)
	require.ErrorIs(t, w.Cancel(task.ID), ErrNotCancellable)
	close(release)

	waitForState(t, w, task.ID, models.StateInstalled)
}

func TestWorker_RetriesTransientErrors(t *testing.T) {
	w, m := newTestWorker(t, simulator.StaticLocator{Root: testRoot(t)})

	unavailable := models.Errorf(models.KindUnavailable, "fetch scenery", "connection reset")
	gomock.InOrder(
		m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).Return(nil, unavailable),
		m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).Return(nil, errors.New("unexpected EOF")),
		m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).Return(testScenery(101), nil),
	)
	m.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).DoAndReturn(extractInPlace)
	m.manifest.EXPECT().Register("KJFK_101").Return(nil)
	m.installed.EXPECT().Upsert(gomock.Any()).Return(nil)

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)
	startWorker(t, w)

	got := waitForState(t, w, task.ID, models.StateInstalled)
	require.Equal(t, 3, got.Attempts)
	require.Empty(t, got.ErrorMessage)
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	w, m := newTestWorker(t, simulator.StaticLocator{Root: testRoot(t)})

	unavailable := models.Errorf(models.KindProtocol, "fetch scenery", "malformed body")
	m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).Return(nil, unavailable).Times(DefaultMaxAttempts)

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)
	startWorker(t, w)

	got := waitForState(t, w, task.ID, models.StateFailed)
	require.Equal(t, DefaultMaxAttempts, got.Attempts)
	require.Equal(t, models.KindProtocol, got.ErrorKind)
	require.False(t, got.PartiallyInstalled)
}

func TestWorker_FatalErrorsDoNotRetry(t *testing.T) {
	tests := []struct {
		name string
		kind models.ErrorKind
	}{
		{"corrupt payload", models.KindCorruptPayload},
		{"not found", models.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, m := newTestWorker(t, simulator.StaticLocator{Root: testRoot(t)})
			m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).
				Return(nil, models.Errorf(tt.kind, "fetch scenery", "boom")).Times(1)

			task, err := w.Enqueue(testScenery(101))
			require.NoError(t, err)
			startWorker(t, w)

			got := waitForState(t, w, task.ID, models.StateFailed)
			require.Equal(t, tt.kind, got.ErrorKind)
			require.Equal(t, 1, got.Attempts)
		})
	}
}

func TestWorker_UnsafeArchiveFails(t *testing.T) {
	w, m := newTestWorker(t, simulator.StaticLocator{Root: testRoot(t)})

	m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).Return(testScenery(101), nil)
	m.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).
		Return("", models.Errorf(models.KindUnsafeArchive, "extract archive", "member escapes destination"))

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)
	startWorker(t, w)

	got := waitForState(t, w, task.ID, models.StateFailed)
	require.Equal(t, models.KindUnsafeArchive, got.ErrorKind)
	require.False(t, got.PartiallyInstalled)
	require.Empty(t, got.InstallPath)
}

func TestWorker_ManifestFailureLeavesPartialInstall(t *testing.T) {
	root := testRoot(t)
	w, m := newTestWorker(t, simulator.StaticLocator{Root: root})

	dest := filepath.Join(root.SceneryDir, "KJFK_101")
	m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).Return(testScenery(101), nil)
	m.extractor.EXPECT().Extract(gomock.Any(), dest).DoAndReturn(extractInPlace)
	gomock.InOrder(
		m.manifest.EXPECT().Register("KJFK_101").Return(models.Errorf(models.KindManifest, "register scenery pack", "read-only file system")),
		m.manifest.EXPECT().Register("KJFK_101").Return(nil),
	)
	m.installed.EXPECT().Upsert(gomock.Any()).Return(nil)

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)
	startWorker(t, w)

	got := waitForState(t, w, task.ID, models.StateFailed)
	require.True(t, got.PartiallyInstalled)
	require.Equal(t, models.KindPartiallyInstalled, got.ErrorKind)
	require.Equal(t, dest, got.InstallPath)

	// partial installs survive clearing
	require.Equal(t, 0, w.ClearFinished())

	require.NoError(t, w.ActivatePartial(context.Background(), task.ID))

	got, ok := w.Task(task.ID)
	require.True(t, ok)
	require.Equal(t, models.StateInstalled, got.State)
	require.False(t, got.PartiallyInstalled)
	require.Empty(t, got.ErrorKind)

	require.ErrorIs(t, w.ActivatePartial(context.Background(), task.ID), ErrNotPartial)
	require.ErrorIs(t, w.ActivatePartial(context.Background(), "missing"), ErrTaskNotFound)
	require.Equal(t, 1, w.ClearFinished())
}

func TestWorker_RegistryFailureRollsBackManifest(t *testing.T) {
	root := testRoot(t)
	w, m := newTestWorker(t, simulator.StaticLocator{Root: root})

	m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).Return(testScenery(101), nil)
	m.extractor.EXPECT().Extract(gomock.Any(), gomock.Any()).DoAndReturn(extractInPlace)
	gomock.InOrder(
		m.manifest.EXPECT().Register("KJFK_101").Return(nil),
		m.installed.EXPECT().Upsert(gomock.Any()).Return(models.Errorf(models.KindStorage, "save installed registry", "disk full")),
		m.manifest.EXPECT().Unregister("KJFK_101").Return(nil),
	)

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)
	startWorker(t, w)

	got := waitForState(t, w, task.ID, models.StateFailed)
	require.Equal(t, models.KindStorage, got.ErrorKind)
	require.True(t, got.PartiallyInstalled)
}

func TestWorker_DiscardPartial(t *testing.T) {
	root := testRoot(t)
	w, m := newTestWorker(t, simulator.StaticLocator{Root: root})

	dest := filepath.Join(root.SceneryDir, "KJFK_101")
	m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).Return(testScenery(101), nil)
	m.extractor.EXPECT().Extract(gomock.Any(), dest).
		DoAndReturn(func(data []byte, dest string) (string, error) {
			require.NoError(t, os.MkdirAll(filepath.Join(dest, "Earth nav data"), 0755))
			return dest, nil
		})
	m.manifest.EXPECT().Register("KJFK_101").Return(models.Errorf(models.KindManifest, "register scenery pack", "locked"))

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)
	startWorker(t, w)

	waitForState(t, w, task.ID, models.StateFailed)
	require.DirExists(t, dest)

	require.NoError(t, w.DiscardPartial(context.Background(), task.ID))
	require.NoDirExists(t, dest)

	got, ok := w.Task(task.ID)
	require.True(t, ok)
	require.False(t, got.PartiallyInstalled)
	require.Equal(t, models.StateFailed, got.State)
	require.Equal(t, 1, w.ClearFinished())
}

func TestWorker_WaitsForSimulatorRoot(t *testing.T) {
	missing := models.Errorf(models.KindEnvironmentNotFound, "locate simulator root", "no installation found")
	w, m := newTestWorker(t, simulator.StaticLocator{Err: missing})

	events, unsubscribe := w.Subscribe()
	defer unsubscribe()

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)
	startWorker(t, w)

	deadline := time.After(5 * time.Second)
	for found := false; !found; {
		select {
		case ev := <-events:
			if ev.Environment != nil {
				require.Equal(t, models.KindEnvironmentNotFound, ev.Environment.Kind)
				found = true
			}
		case <-deadline:
			t.Fatal("no environment event received")
		}
	}
	require.True(t, w.WaitingForRoot())

	got, ok := w.Task(task.ID)
	require.True(t, ok)
	require.Equal(t, models.StateQueued, got.State)

	_, err = w.SetRoot(t.TempDir())
	require.ErrorIs(t, err, models.ErrEnvironmentNotFound)

	root := testRoot(t)
	m.fetcher.EXPECT().FetchPackage(gomock.Any(), int64(101), gomock.Any()).Return(testScenery(101), nil)
	m.extractor.EXPECT().Extract(gomock.Any(), filepath.Join(root.SceneryDir, "KJFK_101")).DoAndReturn(extractInPlace)
	m.manifest.EXPECT().Register("KJFK_101").Return(nil)
	m.installed.EXPECT().Upsert(gomock.Any()).Return(nil)

	set, err := w.SetRoot(root.Path)
	require.NoError(t, err)
	require.Equal(t, root.SceneryDir, set.SceneryDir)

	waitForState(t, w, task.ID, models.StateInstalled)
	require.False(t, w.WaitingForRoot())
}

func TestWorker_Uninstall(t *testing.T) {
	root := testRoot(t)
	w, m := newTestWorker(t, simulator.StaticLocator{Root: root})
	startWorker(t, w)

	dir := filepath.Join(root.SceneryDir, "KJFK_101")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Earth nav data"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Earth nav data", "apt.dat"), []byte("I\n"), 0644))

	rec := &models.InstalledScenery{SceneryID: 101, AirportICAO: "KJFK", InstallPath: dir, FolderName: "KJFK_101"}
	gomock.InOrder(
		m.installed.EXPECT().Get(int64(101)).Return(rec, true),
		m.manifest.EXPECT().Unregister("KJFK_101").Return(nil),
		m.installed.EXPECT().Remove(int64(101)).Return(nil),
	)

	require.NoError(t, w.Uninstall(context.Background(), 101))
	require.NoDirExists(t, dir)

	m.installed.EXPECT().Get(int64(202)).Return(nil, false)
	err := w.Uninstall(context.Background(), 202)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestWorker_UninstallRefusedWhileQueued(t *testing.T) {
	missing := models.Errorf(models.KindEnvironmentNotFound, "locate simulator root", "no installation found")
	w, _ := newTestWorker(t, simulator.StaticLocator{Err: missing})
	startWorker(t, w)

	_, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)

	err = w.Uninstall(context.Background(), 101)
	require.ErrorIs(t, err, ErrBusy)
}

func TestWorker_SubmitHonoursContext(t *testing.T) {
	w, _ := newTestWorker(t, simulator.StaticLocator{})

	// no worker goroutine is running, so the op is never picked up
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := w.Uninstall(ctx, 101)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorker_SubscribeUnsubscribe(t *testing.T) {
	w, _ := newTestWorker(t, simulator.StaticLocator{})

	events, unsubscribe := w.Subscribe()
	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, task.ID, ev.Task.ID)
		require.Equal(t, models.StateQueued, ev.Task.State)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	unsubscribe()
	unsubscribe()

	_, open := <-events
	require.False(t, open)
}

func TestWorker_ClearFinished(t *testing.T) {
	w, _ := newTestWorker(t, simulator.StaticLocator{})

	cancelled, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)
	queued, err := w.Enqueue(testScenery(102))
	require.NoError(t, err)
	require.NoError(t, w.Cancel(cancelled.ID))

	require.Equal(t, 1, w.ClearFinished())

	tasks := w.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, queued.ID, tasks[0].ID)
}

func TestWorker_RecordsHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	history := mocks.NewMockHistoryStore(ctrl)
	w, _ := newTestWorker(t, simulator.StaticLocator{})
	w.history = history

	task, err := w.Enqueue(testScenery(101))
	require.NoError(t, err)

	history.EXPECT().RecordTask(gomock.Any()).DoAndReturn(func(entry *models.HistoryEntry) error {
		require.Equal(t, task.ID, entry.TaskID)
		require.Equal(t, models.StateCancelled, entry.State)
		require.Equal(t, int64(101), entry.SceneryID)
		return errors.New("database is locked")
	})

	// history failures are logged, not surfaced
	require.NoError(t, w.Cancel(task.ID))
}

func TestWorker_TaskErrorWrapsUntypedErrors(t *testing.T) {
	w, _ := newTestWorker(t, simulator.StaticLocator{})
	task := models.DownloadTask{ID: "task-1", Scenery: testScenery(7)}

	merr := w.taskError(errors.New("connection refused"), task)
	require.Equal(t, models.KindUnavailable, merr.Kind)
	require.Equal(t, int64(7), merr.SceneryID)
	require.Equal(t, "task-1", merr.TaskID)

	typed := models.Errorf(models.KindUnsafeArchive, "extract archive", "bad path")
	merr = w.taskError(typed, task)
	require.Equal(t, models.KindUnsafeArchive, merr.Kind)
	require.Equal(t, int64(7), merr.SceneryID)
}

func sceneryZipBlob(t *testing.T) string {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"Earth nav data/apt.dat":              "I\n1100 Version\n",
		"Earth nav data/+40-080/+40-074.dsf": "XPLNEDSF",
	} {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestWorker_InstallsFromGateway(t *testing.T) {
	blob := sceneryZipBlob(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scenery/101" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"scenery": {
			"sceneryId": 101,
			"icao": "KJFK",
			"userName": "jdoe",
			"dateUploaded": "2024-01-01T00:00:00.000Z",
			"dateApproved": "2024-01-03T00:00:00.000Z",
			"type": "3D",
			"Status": "Approved",
			"masterZipBlob": "` + blob + `",
			"features": "terminal",
			"EditorsChoice": 0
		}}`))
	}))
	defer server.Close()

	root := testRoot(t)
	registry, err := installed.Open(filepath.Join(t.TempDir(), installed.FileName))
	require.NoError(t, err)
	db, err := database.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	w := NewWorker(Dependencies{
		Fetcher:   gateway.New(server.URL, 0),
		Extractor: extractor.NewService(),
		Installed: registry,
		History:   db,
		Locator:   simulator.StaticLocator{Root: root},
		Manifests: func(dir string) ManifestWriter { return manifest.NewWriter(dir) },
	})

	task, err := w.Enqueue(&models.Scenery{ID: 101, AirportICAO: "KJFK"})
	require.NoError(t, err)
	startWorker(t, w)

	got := waitForState(t, w, task.ID, models.StateInstalled)
	dest := filepath.Join(root.SceneryDir, "KJFK_101")
	require.Equal(t, dest, got.InstallPath)
	require.FileExists(t, filepath.Join(dest, "Earth nav data", "apt.dat"))

	packs, err := manifest.NewWriter(root.SceneryDir).Contains("KJFK_101")
	require.NoError(t, err)
	require.True(t, packs)

	rec, ok := registry.Get(101)
	require.True(t, ok)
	require.Equal(t, "2024-01-03T00:00:00Z", rec.Version)

	require.Eventually(t, func() bool {
		entry, err := db.GetTask(task.ID)
		return err == nil && entry.State == models.StateInstalled
	}, 5*time.Second, 10*time.Millisecond)
}
