package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/floyd-ryan/scribe/internal/transcribe"
	"github.com/floyd-ryan/scribe/internal/video"
	"github.com/floyd-ryan/scribe/pkg/logger"
	"github.com/jmoiron/sqlx"
)

// processVideo walks one video through
// download -> split -> transcribe -> complete, consulting the store
// at every transition. The returned error is always fatal for the
// pass; expected per-video failures are recorded in the store and
// reported as nil so the remaining videos still get processed.
func (service *Service) processVideo(ctx context.Context, vid *video.Video) error {
	db := service.db.GetSqlxDb()

	// Resume guarantee: trust the store, not the claimed row, in case
	// an earlier worker (or pass) finished this video already.
	current, err := service.store.GetVideo(db, vid.ID)
	if err != nil {
		return fatal(fmt.Errorf("failed to re-read video %s: %w", vid.ID, err))
	}
	if current.CompletedAt != nil {
		log.Emit(logger.DEBUG, "Skipping %s: already complete\n", current.ID)
		return nil
	}

	log.Emit(logger.NEW, "Processing video %s (%s)\n", current.ID, current.Title)

	mediaPath, err := service.ensureDownloaded(ctx, current)
	if err != nil {
		return err
	}
	if current.DownloadState != video.DownloadDone {
		// Download failed; abandoned for this run.
		return nil
	}

	if err := service.ensureSplit(ctx, current, mediaPath); err != nil {
		return err
	}
	if current.SplitState != video.SplitDone {
		// Split failed; abandoned for this run.
		return nil
	}

	if err := service.transcribeSegments(ctx, current); err != nil {
		return err
	}

	return service.finishVideo(ctx, current, mediaPath)
}

// ensureDownloaded returns the local media path for the video,
// fetching it if the store does not record a completed download (or
// the previously downloaded file has gone missing). An empty path
// with a nil error means the video was abandoned for this run.
func (service *Service) ensureDownloaded(ctx context.Context, vid *video.Video) (string, error) {
	db := service.db.GetSqlxDb()
	downloadDir := filepath.Join(service.config.DownloadDir, vid.ID)

	if vid.DownloadState == video.DownloadDone {
		if path, ok := locateMedia(downloadDir); ok {
			return path, nil
		}

		// Split already happened and the media is no longer needed;
		// the remaining segments carry their own files.
		if vid.SplitState == video.SplitDone {
			return "", nil
		}

		log.Emit(logger.WARNING, "Media for %s is recorded as downloaded but missing on disk; re-fetching\n", vid.ID)
	}

	path, err := service.fetcher.Download(ctx, vid.ID, vid.Title, downloadDir)
	if err != nil {
		if isLocalResourceFailure(err) {
			return "", fatal(err)
		}

		log.Emit(logger.ERROR, "Download of %s failed: %s\n", vid.ID, err.Error())
		if err := service.store.MarkDownloadFailed(db, vid.ID); err != nil {
			return "", fatal(err)
		}

		// No in-run retry; the video stays pending for a later pass.
		vid.DownloadState = video.DownloadFailed
		return "", nil
	}

	if err := service.store.MarkDownloaded(db, vid.ID); err != nil {
		return "", fatal(err)
	}

	vid.DownloadState = video.DownloadDone
	return path, nil
}

// ensureSplit cuts the media in to segments and records them (plus
// their pending segment rows) in one atomic store transition.
func (service *Service) ensureSplit(ctx context.Context, vid *video.Video, mediaPath string) error {
	if vid.SplitState == video.SplitDone {
		return nil
	}

	segmentDir := filepath.Join(service.config.SegmentDir, vid.ID)
	segmentPaths, err := service.splitter.Split(ctx, mediaPath, segmentDir, service.config.SegmentSeconds)
	if err != nil {
		if isLocalResourceFailure(err) {
			return fatal(err)
		}

		log.Emit(logger.ERROR, "Split of %s failed: %s\n", vid.ID, err.Error())
		if err := service.store.MarkSplitFailed(service.db.GetSqlxDb(), vid.ID); err != nil {
			return fatal(err)
		}

		return nil
	}

	err = service.db.WrapTx(func(tx *sqlx.Tx) error {
		return service.store.MarkSplit(tx, vid.ID, segmentPaths)
	})
	if err != nil {
		return fatal(fmt.Errorf("failed to record split of video %s: %w", vid.ID, err))
	}

	vid.SplitState = video.SplitDone
	vid.SegmentCount = len(segmentPaths)
	return nil
}

// transcribeSegments submits every untranscribed segment in index
// order. Segment failures are independent: a failed segment is
// recorded and the rest are still attempted. A segments local file is
// only removed after its completed state is durably recorded, so a
// crash in between merely costs a redundant re-transcription.
func (service *Service) transcribeSegments(ctx context.Context, vid *video.Video) error {
	db := service.db.GetSqlxDb()
	segments, err := service.store.GetSegments(db, vid.ID)
	if err != nil {
		return fatal(fmt.Errorf("failed to load segments of video %s: %w", vid.ID, err))
	}

	for _, segment := range segments {
		if ctx.Err() != nil {
			return nil
		}
		if segment.TranscribeState == video.TranscribeDone {
			continue
		}

		transcript, err := service.transcriber.Transcribe(ctx, segment.SourceFilePath)
		if err != nil {
			log.Emit(logger.ERROR, "Transcription of segment %d of %s failed: %s\n", segment.Index, vid.ID, err.Error())
			if err := service.store.MarkSegmentFailed(db, vid.ID, segment.Index); err != nil {
				return fatal(err)
			}

			continue
		}

		outputPath := TranscriptPath(service.config.TranscriptDir, vid.ID, segment.Index)
		if err := writeTranscript(outputPath, transcript); err != nil {
			return fatal(err)
		}

		if err := service.store.MarkSegmentDone(db, vid.ID, segment.Index, outputPath); err != nil {
			return fatal(err)
		}

		log.Emit(logger.SUCCESS, "Transcribed segment %d/%d of %s -> %s\n", segment.Index, vid.SegmentCount, vid.ID, outputPath)
		if err := os.Remove(segment.SourceFilePath); err != nil && !os.IsNotExist(err) {
			log.Emit(logger.WARNING, "Failed to remove processed segment file %s: %s\n", segment.SourceFilePath, err.Error())
		}

		service.pauseBetweenSegments(ctx)
	}

	return nil
}

// finishVideo marks the video complete and removes its remaining
// local artifacts, but only once every segment is transcribed. A
// partially transcribed video stays pending; files for its failed
// segments are retained for inspection until the next run retries
// them.
func (service *Service) finishVideo(ctx context.Context, vid *video.Video, mediaPath string) error {
	if ctx.Err() != nil {
		return nil
	}

	db := service.db.GetSqlxDb()
	complete, err := service.store.IsVideoComplete(db, vid.ID)
	if err != nil {
		return fatal(err)
	}

	if !complete {
		log.Emit(logger.WARNING, "Some segments of %s failed to transcribe; leaving video pending\n", vid.ID)
		return nil
	}

	// Local files go first: if we crash between cleanup and the
	// completion stamp the video is still pending, and the next pass
	// walks straight back here (every segment is already Done). The
	// reverse order would leave a completed video whose files are
	// never revisited.
	service.cleanupLocalFiles(vid, mediaPath)

	if err := service.store.MarkVideoComplete(db, vid.ID); err != nil {
		return fatal(err)
	}

	log.Emit(logger.SUCCESS, "Video %s (%s) fully processed\n", vid.ID, vid.Title)
	return nil
}

func (service *Service) cleanupLocalFiles(vid *video.Video, mediaPath string) {
	if mediaPath != "" {
		if err := os.Remove(mediaPath); err != nil && !os.IsNotExist(err) {
			log.Emit(logger.WARNING, "Failed to remove downloaded media %s: %s\n", mediaPath, err.Error())
		}
	}

	for _, dir := range []string{
		filepath.Join(service.config.DownloadDir, vid.ID),
		filepath.Join(service.config.SegmentDir, vid.ID),
	} {
		if err := os.RemoveAll(dir); err != nil {
			log.Emit(logger.WARNING, "Failed to remove working directory %s: %s\n", dir, err.Error())
		}
	}
}

func (service *Service) pauseBetweenSegments(ctx context.Context) {
	pause := service.config.SegmentPauseDuration()
	if pause <= 0 {
		return
	}

	select {
	case <-time.After(pause):
	case <-ctx.Done():
	}
}

// TranscriptPath is the deterministic artifact location for a
// segments transcript; it depends only on the video ID and segment
// index so the path can always be reconstructed.
func TranscriptPath(transcriptDir string, videoID string, index int) string {
	return filepath.Join(transcriptDir, videoID, fmt.Sprintf("segment_%03d.json", index))
}

func writeTranscript(path string, transcript *transcribe.Transcript) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModeDir|os.ModePerm); err != nil {
		return fmt.Errorf("failed to create transcript directory: %w", err)
	}

	encoded, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}

	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("failed to persist transcript to %s: %w", path, err)
	}

	return nil
}

// locateMedia finds the previously downloaded media file inside the
// videos namespaced download directory.
func locateMedia(downloadDir string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(downloadDir, "*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}

	return matches[0], true
}
