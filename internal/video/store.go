package video

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/floyd-ryan/scribe/internal/database"
	"github.com/jmoiron/sqlx"
)

var (
	ErrVideoNotFound   = errors.New("video does not exist")
	ErrSegmentNotFound = errors.New("segment does not exist")

	// ErrVideoIncomplete is returned by MarkVideoComplete when one or
	// more segments are not yet transcribed. Callers must treat this as
	// a programming error, not something to retry.
	ErrVideoIncomplete = errors.New("video has untranscribed segments and cannot be marked complete")
)

type (
	DownloadState   string
	SplitState      string
	TranscribeState string

	// Video is the permanent audit record for one unit of source media.
	// Rows are created on discovery and never deleted by the pipeline.
	Video struct {
		ID            string        `db:"id"`
		Title         string        `db:"title"`
		DiscoveredAt  time.Time     `db:"discovered_at"`
		DownloadState DownloadState `db:"download_state"`
		SplitState    SplitState    `db:"split_state"`
		SegmentCount  int           `db:"segment_count"`
		CompletedAt   *time.Time    `db:"completed_at"`
	}

	// Segment records the transcription outcome for one fixed-duration
	// slice of a video. The row outlives the file at SourceFilePath,
	// which is removed once the segment is transcribed.
	Segment struct {
		VideoID         string          `db:"video_id"`
		Index           int             `db:"idx"`
		SourceFilePath  string          `db:"source_file_path"`
		TranscribeState TranscribeState `db:"transcribe_state"`
		OutputPath      *string         `db:"output_path"`
		Attempts        int             `db:"attempts"`
		UpdatedAt       *time.Time      `db:"updated_at"`
	}

	// Stats is a by-state breakdown of every video and segment
	// known to the store.
	Stats struct {
		TotalVideos     int
		CompletedVideos int
		PendingVideos   int
		FailedVideos    int
		TotalSegments   int
		DoneSegments    int
		PendingSegments int
		FailedSegments  int
	}

	ListFilter int

	Store struct{}
)

const (
	DownloadNotStarted DownloadState = "NOT_STARTED"
	DownloadDone       DownloadState = "DOWNLOADED"
	DownloadFailed     DownloadState = "FAILED"

	SplitNotStarted SplitState = "NOT_STARTED"
	SplitDone       SplitState = "SPLIT"
	SplitFailed     SplitState = "FAILED"

	TranscribePending TranscribeState = "PENDING"
	TranscribeDone    TranscribeState = "DONE"
	TranscribeFailed  TranscribeState = "FAILED"
)

const (
	ListAll ListFilter = iota
	ListPendingOnly
	ListCompletedOnly
)

func NewStore() *Store {
	return &Store{}
}

// UpsertVideo records a newly discovered video. If a row with this ID
// already exists then it is returned entirely unchanged, regardless of
// the title provided; discovery must be idempotent across runs.
func (store *Store) UpsertVideo(db database.Queryable, id string, title string) (*Video, error) {
	_, err := db.Exec(`
		INSERT INTO videos(id, title, discovered_at, download_state, split_state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, title, time.Now().UTC(), DownloadNotStarted, SplitNotStarted)
	if err != nil {
		return nil, fmt.Errorf("failed to insert video %s: %w", id, err)
	}

	return store.GetVideo(db, id)
}

func (store *Store) GetVideo(db database.Queryable, id string) (*Video, error) {
	var result Video
	if err := db.Get(&result, `SELECT * FROM videos WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVideoNotFound
		}

		return nil, err
	}

	return &result, nil
}

// ListPending returns videos which are not yet complete, oldest
// discovery first so that a long-interrupted backlog drains in order.
func (store *Store) ListPending(db database.Queryable, limit int) ([]*Video, error) {
	query, args, err := squirrel.
		Select("*").
		From("videos").
		Where("completed_at IS NULL").
		OrderBy("discovered_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct pending videos query: %w", err)
	}

	var results []*Video
	if err := db.Select(&results, query, args...); err != nil {
		return nil, err
	}

	return results, nil
}

// ListVideos enumerates videos filtered by completion status, most
// recently discovered first.
func (store *Store) ListVideos(db database.Queryable, filter ListFilter) ([]*Video, error) {
	builder := squirrel.
		Select("*").
		From("videos").
		OrderBy("discovered_at DESC")

	switch filter {
	case ListPendingOnly:
		builder = builder.Where("completed_at IS NULL")
	case ListCompletedOnly:
		builder = builder.Where("completed_at IS NOT NULL")
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list videos query: %w", err)
	}

	var results []*Video
	if err := db.Select(&results, query, args...); err != nil {
		return nil, err
	}

	return results, nil
}

func (store *Store) MarkDownloaded(db database.Queryable, id string) error {
	return store.setVideoState(db, id, `UPDATE videos SET download_state = ? WHERE id = ?`, DownloadDone)
}

func (store *Store) MarkDownloadFailed(db database.Queryable, id string) error {
	return store.setVideoState(db, id, `UPDATE videos SET download_state = ? WHERE id = ?`, DownloadFailed)
}

func (store *Store) MarkSplitFailed(db database.Queryable, id string) error {
	return store.setVideoState(db, id, `UPDATE videos SET split_state = ? WHERE id = ?`, SplitFailed)
}

// MarkSplit records a successful split and eagerly creates the
// contiguous 1..N pending segment rows. The two writes are performed
// against the provided transaction so a crash can never leave a video
// looking split with no segment rows behind it; callers should wrap
// this call with database.WrapTx.
func (store *Store) MarkSplit(tx *sqlx.Tx, id string, segmentPaths []string) error {
	if len(segmentPaths) == 0 {
		return fmt.Errorf("cannot mark video %s split with zero segments", id)
	}

	result, err := tx.Exec(`UPDATE videos SET split_state = ?, segment_count = ? WHERE id = ?`, SplitDone, len(segmentPaths), id)
	if err != nil {
		return fmt.Errorf("failed to update video %s: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}

	segments := make([]Segment, len(segmentPaths))
	for i, path := range segmentPaths {
		segments[i] = Segment{
			VideoID:         id,
			Index:           i + 1,
			SourceFilePath:  path,
			TranscribeState: TranscribePending,
		}
	}

	if _, err := tx.NamedExec(`
		INSERT INTO segments(video_id, idx, source_file_path, transcribe_state)
		VALUES (:video_id, :idx, :source_file_path, :transcribe_state)
	`, segments); err != nil {
		return fmt.Errorf("failed to insert segment rows for video %s: %w", id, err)
	}

	return nil
}

// GetSegments returns every segment row for the video, ascending index.
func (store *Store) GetSegments(db database.Queryable, videoID string) ([]*Segment, error) {
	var results []*Segment
	if err := db.Select(&results, `SELECT * FROM segments WHERE video_id = ? ORDER BY idx ASC`, videoID); err != nil {
		return nil, err
	}

	return results, nil
}

func (store *Store) MarkSegmentDone(db database.Queryable, videoID string, index int, outputPath string) error {
	return store.setSegmentState(db, videoID, index, `
		UPDATE segments SET transcribe_state = ?, output_path = ?, updated_at = ?
		WHERE video_id = ? AND idx = ?
	`, TranscribeDone, outputPath, time.Now().UTC(), videoID, index)
}

// MarkSegmentFailed flags the segment as failed and increments its
// attempt counter. The segments local file is deliberately retained
// for inspection; a later run will retry it.
func (store *Store) MarkSegmentFailed(db database.Queryable, videoID string, index int) error {
	return store.setSegmentState(db, videoID, index, `
		UPDATE segments SET transcribe_state = ?, attempts = attempts + 1, updated_at = ?
		WHERE video_id = ? AND idx = ?
	`, TranscribeFailed, time.Now().UTC(), videoID, index)
}

// IsVideoComplete reports whether every segment of a successfully
// split video has been transcribed. A video which has not been split
// is never complete.
func (store *Store) IsVideoComplete(db database.Queryable, id string) (bool, error) {
	vid, err := store.GetVideo(db, id)
	if err != nil {
		return false, err
	}

	if vid.SplitState != SplitDone || vid.SegmentCount == 0 {
		return false, nil
	}

	var remaining int
	err = db.Get(&remaining, `
		SELECT COUNT(*) FROM segments WHERE video_id = ? AND transcribe_state != ?
	`, id, TranscribeDone)
	if err != nil {
		return false, err
	}

	return remaining == 0, nil
}

// MarkVideoComplete stamps completed_at. It is only legal to call this
// once IsVideoComplete is true; ErrVideoIncomplete is returned (and
// nothing is written) otherwise.
func (store *Store) MarkVideoComplete(db database.Queryable, id string) error {
	complete, err := store.IsVideoComplete(db, id)
	if err != nil {
		return err
	}
	if !complete {
		return fmt.Errorf("%w: video %s", ErrVideoIncomplete, id)
	}

	return store.setVideoState(db, id, `UPDATE videos SET completed_at = ? WHERE id = ?`, time.Now().UTC())
}

func (store *Store) Stats(db database.Queryable) (*Stats, error) {
	stats := Stats{}
	videoCounts := []struct {
		Dest  *int
		Query string
	}{
		{&stats.TotalVideos, `SELECT COUNT(*) FROM videos`},
		{&stats.CompletedVideos, `SELECT COUNT(*) FROM videos WHERE completed_at IS NOT NULL`},
		{&stats.FailedVideos, `SELECT COUNT(*) FROM videos WHERE completed_at IS NULL AND (download_state = 'FAILED' OR split_state = 'FAILED')`},
		{&stats.TotalSegments, `SELECT COUNT(*) FROM segments`},
		{&stats.DoneSegments, `SELECT COUNT(*) FROM segments WHERE transcribe_state = 'DONE'`},
		{&stats.FailedSegments, `SELECT COUNT(*) FROM segments WHERE transcribe_state = 'FAILED'`},
	}

	for _, count := range videoCounts {
		if err := db.Get(count.Dest, count.Query); err != nil {
			return nil, fmt.Errorf("failed to gather store statistics: %w", err)
		}
	}

	stats.PendingVideos = stats.TotalVideos - stats.CompletedVideos
	stats.PendingSegments = stats.TotalSegments - stats.DoneSegments - stats.FailedSegments
	return &stats, nil
}

// Reset destroys all progress state. Intended for test/dev
// environments only.
func (store *Store) Reset(db database.Queryable) error {
	if _, err := db.Exec(`DELETE FROM segments`); err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM videos`); err != nil {
		return err
	}

	return nil
}

func (store *Store) setVideoState(db database.Queryable, id string, query string, arg any) error {
	result, err := db.Exec(query, arg, id)
	if err != nil {
		return fmt.Errorf("failed to update video %s: %w", id, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}

	return nil
}

func (store *Store) setSegmentState(db database.Queryable, videoID string, index int, query string, args ...any) error {
	result, err := db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update segment %d of video %s: %w", index, videoID, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: video %s index %d", ErrSegmentNotFound, videoID, index)
	}

	return nil
}
