package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/floyd-ryan/scribe/internal/database"
	"github.com/floyd-ryan/scribe/internal/transcribe"
	"github.com/floyd-ryan/scribe/internal/video"
	"github.com/floyd-ryan/scribe/internal/youtube"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	entries   []youtube.ListingEntry
	err       error
	calls     int
	lastLimit int
}

func (stub *stubSource) RecentVideos(_ context.Context, limit int) ([]youtube.ListingEntry, error) {
	stub.calls++
	stub.lastLimit = limit
	return stub.entries, stub.err
}

// stubFetcher writes a placeholder media file where a real download
// would land, so the later stages have something on disk to work with.
type stubFetcher struct {
	err   error
	calls int
}

func (stub *stubFetcher) Download(_ context.Context, id string, title string, destDir string) (string, error) {
	stub.calls++
	if stub.err != nil {
		return "", stub.err
	}

	if err := os.MkdirAll(destDir, os.ModeDir|os.ModePerm); err != nil {
		return "", err
	}

	path := filepath.Join(destDir, fmt.Sprintf("%s_%s.mp4", youtube.CleanTitle(title), id))
	return path, os.WriteFile(path, []byte("media"), 0o644)
}

type stubSplitter struct {
	segments int
	err      error
	calls    int
}

func (stub *stubSplitter) Split(_ context.Context, mediaPath string, outputDir string, _ int) ([]string, error) {
	stub.calls++
	if stub.err != nil {
		return nil, stub.err
	}

	if err := os.MkdirAll(outputDir, os.ModeDir|os.ModePerm); err != nil {
		return nil, err
	}

	paths := make([]string, stub.segments)
	for i := range paths {
		paths[i] = filepath.Join(outputDir, fmt.Sprintf("media_Part%03d.mp4", i))
		if err := os.WriteFile(paths[i], []byte("segment"), 0o644); err != nil {
			return nil, err
		}
	}

	return paths, nil
}

type stubTranscriber struct {
	// failures maps a segment file base name to the error its
	// transcription should produce.
	failures map[string]error
	calls    []string
}

func (stub *stubTranscriber) Transcribe(_ context.Context, segmentPath string) (*transcribe.Transcript, error) {
	stub.calls = append(stub.calls, segmentPath)
	if err, ok := stub.failures[filepath.Base(segmentPath)]; ok {
		return nil, err
	}

	return &transcribe.Transcript{Text: "transcript of " + filepath.Base(segmentPath)}, nil
}

type harness struct {
	db          database.Manager
	store       *video.Store
	source      *stubSource
	fetcher     *stubFetcher
	splitter    *stubSplitter
	transcriber *stubTranscriber
	config      Config
	service     *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()
	db := database.New()
	require.NoError(t, db.Connect(database.DatabaseConfig{Path: filepath.Join(root, "progress.db")}))
	t.Cleanup(func() { db.Close() })

	h := &harness{
		db:          db,
		store:       video.NewStore(),
		source:      &stubSource{},
		fetcher:     &stubFetcher{},
		splitter:    &stubSplitter{segments: 1},
		transcriber: &stubTranscriber{},
		config: Config{
			MaxVideos:           5,
			SegmentSeconds:      600,
			Parallelism:         1,
			SegmentPauseSeconds: 0,
			DownloadDir:         filepath.Join(root, "downloads"),
			SegmentDir:          filepath.Join(root, "segments"),
			TranscriptDir:       filepath.Join(root, "transcripts"),
		},
	}
	h.service = New(h.config, h.db, h.store, h.source, h.fetcher, h.splitter, h.transcriber)

	return h
}

func (h *harness) mustGetVideo(t *testing.T, id string) *video.Video {
	t.Helper()

	vid, err := h.store.GetVideo(h.db.GetSqlxDb(), id)
	require.NoError(t, err)
	return vid
}

func Test_RunPass_ProcessesDiscoveredVideoEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.source.entries = []youtube.ListingEntry{{ID: "vid1", Title: "First Video"}}
	h.splitter.segments = 3

	require.NoError(t, h.service.RunPass(context.Background()))

	assert.Equal(t, 10, h.source.lastLimit, "listing should over-fetch to offset already-seen entries")
	assert.Equal(t, 1, h.fetcher.calls)
	assert.Equal(t, 1, h.splitter.calls)
	require.Len(t, h.transcriber.calls, 3)

	vid := h.mustGetVideo(t, "vid1")
	assert.NotNil(t, vid.CompletedAt)
	assert.Equal(t, 3, vid.SegmentCount)

	for index := 1; index <= 3; index++ {
		transcriptPath := TranscriptPath(h.config.TranscriptDir, "vid1", index)
		assert.FileExists(t, transcriptPath)
	}

	// Segment ordering must match the split output.
	for i, call := range h.transcriber.calls {
		assert.Equal(t, fmt.Sprintf("media_Part%03d.mp4", i), filepath.Base(call))
	}

	// Local working files are removed once the video is complete.
	assert.NoDirExists(t, filepath.Join(h.config.DownloadDir, "vid1"))
	assert.NoDirExists(t, filepath.Join(h.config.SegmentDir, "vid1"))
}

func Test_RunPass_NoPendingVideos(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.service.RunPass(context.Background()))

	assert.Zero(t, h.fetcher.calls)
	assert.Zero(t, h.splitter.calls)
	assert.Empty(t, h.transcriber.calls)
}

func Test_RunPass_DiscoveryFailureDrainsExistingBacklog(t *testing.T) {
	h := newHarness(t)
	h.source.err = errors.New("channel listing unavailable")

	_, err := h.store.UpsertVideo(h.db.GetSqlxDb(), "backlog1", "Backlog Video")
	require.NoError(t, err)

	require.NoError(t, h.service.RunPass(context.Background()))

	assert.Equal(t, 1, h.source.calls)
	assert.Equal(t, 1, h.fetcher.calls, "backlog must still be processed when discovery fails")
	assert.NotNil(t, h.mustGetVideo(t, "backlog1").CompletedAt)
}

func Test_RunPass_ResumeSkipsCompletedStages(t *testing.T) {
	h := newHarness(t)
	sqlxDb := h.db.GetSqlxDb()

	// State left by an interrupted earlier run: downloaded, split in to
	// two segments, first segment already transcribed and its file
	// removed. The original media was cleaned up after the split.
	_, err := h.store.UpsertVideo(sqlxDb, "resume1", "Resumed Video")
	require.NoError(t, err)
	require.NoError(t, h.store.MarkDownloaded(sqlxDb, "resume1"))

	segmentDir := filepath.Join(h.config.SegmentDir, "resume1")
	require.NoError(t, os.MkdirAll(segmentDir, os.ModeDir|os.ModePerm))
	paths := []string{
		filepath.Join(segmentDir, "media_Part000.mp4"),
		filepath.Join(segmentDir, "media_Part001.mp4"),
	}
	require.NoError(t, os.WriteFile(paths[1], []byte("segment"), 0o644))

	require.NoError(t, h.db.WrapTx(func(tx *sqlx.Tx) error {
		return h.store.MarkSplit(tx, "resume1", paths)
	}))
	require.NoError(t, h.store.MarkSegmentDone(sqlxDb, "resume1", 1, TranscriptPath(h.config.TranscriptDir, "resume1", 1)))

	require.NoError(t, h.service.RunPass(context.Background()))

	assert.Zero(t, h.fetcher.calls, "downloaded media must not be re-fetched")
	assert.Zero(t, h.splitter.calls, "split media must not be re-split")
	require.Len(t, h.transcriber.calls, 1, "only the untranscribed segment should be submitted")
	assert.Equal(t, paths[1], h.transcriber.calls[0])

	assert.NotNil(t, h.mustGetVideo(t, "resume1").CompletedAt)
	assert.FileExists(t, TranscriptPath(h.config.TranscriptDir, "resume1", 2))
}

func Test_RunPass_FinishesVideoInterruptedAfterCleanup(t *testing.T) {
	h := newHarness(t)
	sqlxDb := h.db.GetSqlxDb()

	// State left by a run which crashed after removing the local files
	// but before stamping completion: every segment Done, nothing on
	// disk, completed_at still unset.
	_, err := h.store.UpsertVideo(sqlxDb, "crashed1", "Interrupted Video")
	require.NoError(t, err)
	require.NoError(t, h.store.MarkDownloaded(sqlxDb, "crashed1"))

	segmentDir := filepath.Join(h.config.SegmentDir, "crashed1")
	paths := []string{
		filepath.Join(segmentDir, "media_Part000.mp4"),
		filepath.Join(segmentDir, "media_Part001.mp4"),
	}
	require.NoError(t, h.db.WrapTx(func(tx *sqlx.Tx) error {
		return h.store.MarkSplit(tx, "crashed1", paths)
	}))
	for index := 1; index <= 2; index++ {
		require.NoError(t, h.store.MarkSegmentDone(sqlxDb, "crashed1", index, TranscriptPath(h.config.TranscriptDir, "crashed1", index)))
	}

	require.NoError(t, h.service.RunPass(context.Background()))

	assert.Zero(t, h.fetcher.calls)
	assert.Zero(t, h.splitter.calls)
	assert.Empty(t, h.transcriber.calls)
	assert.NotNil(t, h.mustGetVideo(t, "crashed1").CompletedAt, "the interrupted video must be stamped complete without redoing work")
}

func Test_RunPass_LocalFilesRemovedBeforeCompletionStamp(t *testing.T) {
	h := newHarness(t)
	h.source.entries = []youtube.ListingEntry{{ID: "vid1", Title: "Tidy Video"}}
	h.splitter.segments = 1

	require.NoError(t, h.service.RunPass(context.Background()))

	// Completion implies the working directories are already gone; a
	// completed video is never revisited, so files surviving the stamp
	// would be orphaned forever.
	assert.NotNil(t, h.mustGetVideo(t, "vid1").CompletedAt)
	assert.NoDirExists(t, filepath.Join(h.config.DownloadDir, "vid1"))
	assert.NoDirExists(t, filepath.Join(h.config.SegmentDir, "vid1"))
}

func Test_RunPass_SegmentFailureLeavesVideoPending(t *testing.T) {
	h := newHarness(t)
	h.source.entries = []youtube.ListingEntry{{ID: "vid1", Title: "Flaky Video"}}
	h.splitter.segments = 3
	h.transcriber.failures = map[string]error{
		"media_Part001.mp4": errors.New("service rejected segment"),
	}

	require.NoError(t, h.service.RunPass(context.Background()), "a segment failure must not abort the pass")

	vid := h.mustGetVideo(t, "vid1")
	assert.Nil(t, vid.CompletedAt, "a partially transcribed video stays pending")

	segments, err := h.store.GetSegments(h.db.GetSqlxDb(), "vid1")
	require.NoError(t, err)
	require.Len(t, segments, 3)

	// Segments before and after the failure are unaffected by it.
	for _, done := range []*video.Segment{segments[0], segments[2]} {
		assert.Equal(t, video.TranscribeDone, done.TranscribeState)
		assert.NoFileExists(t, done.SourceFilePath, "transcribed segment files are removed")
	}

	assert.Equal(t, video.TranscribeFailed, segments[1].TranscribeState)
	assert.Equal(t, 1, segments[1].Attempts)
	assert.FileExists(t, segments[1].SourceFilePath, "failed segment files are retained for the next run")
}

func Test_RunPass_DownloadFailureRecordedAndPassContinues(t *testing.T) {
	h := newHarness(t)
	h.source.entries = []youtube.ListingEntry{{ID: "vid1", Title: "Unreachable Video"}}
	h.fetcher.err = errors.New("video is geo-blocked")

	require.NoError(t, h.service.RunPass(context.Background()))

	vid := h.mustGetVideo(t, "vid1")
	assert.Equal(t, video.DownloadFailed, vid.DownloadState)
	assert.Nil(t, vid.CompletedAt)
	assert.Zero(t, h.splitter.calls)
	assert.Empty(t, h.transcriber.calls)
}

func Test_RunPass_SplitFailureRecordedAndPassContinues(t *testing.T) {
	h := newHarness(t)
	h.source.entries = []youtube.ListingEntry{{ID: "vid1", Title: "Corrupt Video"}}
	h.splitter.err = errors.New("moov atom not found")

	require.NoError(t, h.service.RunPass(context.Background()))

	vid := h.mustGetVideo(t, "vid1")
	assert.Equal(t, video.DownloadDone, vid.DownloadState)
	assert.Equal(t, video.SplitFailed, vid.SplitState)
	assert.Empty(t, h.transcriber.calls)
}

func Test_RunPass_LocalResourceFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.source.entries = []youtube.ListingEntry{
		{ID: "vid1", Title: "First Video"},
		{ID: "vid2", Title: "Second Video"},
	}
	h.fetcher.err = fmt.Errorf("failed to start downloader: %w", exec.ErrNotFound)

	err := h.service.RunPass(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, exec.ErrNotFound)

	// A fatal abort records nothing against the video; the environment
	// is broken, not the video.
	vid := h.mustGetVideo(t, "vid1")
	assert.Equal(t, video.DownloadNotStarted, vid.DownloadState)
}

func Test_RunPass_HonoursMaxVideosLimit(t *testing.T) {
	h := newHarness(t)
	h.config.MaxVideos = 1
	h.service = New(h.config, h.db, h.store, h.source, h.fetcher, h.splitter, h.transcriber)

	sqlxDb := h.db.GetSqlxDb()
	for _, seed := range []struct {
		id           string
		discoveredAt string
	}{
		{"older", "2024-01-01 10:00:00"},
		{"newer", "2024-02-01 10:00:00"},
	} {
		_, err := h.store.UpsertVideo(sqlxDb, seed.id, "Title")
		require.NoError(t, err)
		_, err = sqlxDb.Exec(`UPDATE videos SET discovered_at = ? WHERE id = ?`, seed.discoveredAt, seed.id)
		require.NoError(t, err)
	}

	require.NoError(t, h.service.RunPass(context.Background()))

	assert.Equal(t, 1, h.fetcher.calls)
	assert.NotNil(t, h.mustGetVideo(t, "older").CompletedAt, "the oldest pending video is processed first")
	assert.Nil(t, h.mustGetVideo(t, "newer").CompletedAt)
}

func Test_TranscriptPath_Deterministic(t *testing.T) {
	assert.Equal(t,
		filepath.Join("transcripts", "vid1", "segment_007.json"),
		TranscriptPath("transcripts", "vid1", 7))
	assert.Equal(t,
		TranscriptPath("transcripts", "vid1", 7),
		TranscriptPath("transcripts", "vid1", 7))
}
