package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/floyd-ryan/scribe/internal/database"
	"github.com/floyd-ryan/scribe/internal/transcribe"
	"github.com/floyd-ryan/scribe/internal/video"
	"github.com/floyd-ryan/scribe/internal/youtube"
	"github.com/floyd-ryan/scribe/pkg/logger"
	"github.com/floyd-ryan/scribe/pkg/worker"
	"github.com/google/uuid"
)

var log = logger.Get("Pipeline")

type (
	source interface {
		RecentVideos(ctx context.Context, limit int) ([]youtube.ListingEntry, error)
	}

	fetcher interface {
		Download(ctx context.Context, id string, title string, destDir string) (string, error)
	}

	splitter interface {
		Split(ctx context.Context, mediaPath string, outputDir string, segmentSeconds int) ([]string, error)
	}

	transcriber interface {
		Transcribe(ctx context.Context, segmentPath string) (*transcribe.Transcript, error)
	}

	// Service drives the per-video state machine: discover, download,
	// split, transcribe, persist, clean up. The progress store is
	// consulted and updated at every transition so an interrupted pass
	// resumes without redoing completed work or re-paying for
	// transcriptions that already succeeded.
	Service struct {
		*sync.Mutex
		source      source
		fetcher     fetcher
		splitter    splitter
		transcriber transcriber

		store *video.Store
		db    database.Manager

		config Config
		queue  []*video.Video
		runErr error
		cancel context.CancelFunc
	}
)

func New(config Config, db database.Manager, store *video.Store, source source, fetcher fetcher, splitter splitter, transcriber transcriber) *Service {
	return &Service{
		Mutex:       &sync.Mutex{},
		source:      source,
		fetcher:     fetcher,
		splitter:    splitter,
		transcriber: transcriber,
		store:       store,
		db:          db,
		config:      config,
	}
}

// RunPass executes one pass: discover new videos, then claim up to
// MaxVideos pending videos (oldest first) and process each per the
// state machine. Individual video and segment failures are recorded
// and the pass continues; only fatal errors (store unavailable, local
// resource exhaustion) are returned.
func (service *Service) RunPass(parent context.Context) error {
	passID := uuid.New()
	log.Emit(logger.NEW, "Beginning pass %s (max %d videos, %d worker(s))\n", passID, service.config.MaxVideos, service.config.Parallelism)

	if err := service.discover(parent); err != nil {
		return err
	}

	pending, err := service.store.ListPending(service.db.GetSqlxDb(), service.config.MaxVideos)
	if err != nil {
		return fatal(fmt.Errorf("failed to list pending videos: %w", err))
	}

	if len(pending) == 0 {
		log.Emit(logger.INFO, "No pending videos to process\n")
		return nil
	}

	log.Emit(logger.INFO, "Found %d pending video(s) to process\n", len(pending))

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	service.Lock()
	service.queue = pending
	service.runErr = nil
	service.cancel = cancel
	service.Unlock()

	pool := worker.NewWorkerPool()
	for i := 0; i < service.config.Parallelism; i++ {
		label := fmt.Sprintf("video-worker-%d", i)
		pool.PushWorker(worker.NewWorker(label, func(w worker.Worker) (bool, error) {
			return service.processNextVideo(ctx)
		}))
	}

	if err := pool.Start(); err != nil {
		return fatal(err)
	}

	// Closing the pool lets each worker drain the claimed queue and
	// then exit once no work remains; Close blocks until they have.
	pool.Close()

	service.Lock()
	defer service.Unlock()
	if service.runErr != nil {
		return service.runErr
	}

	log.Emit(logger.SUCCESS, "Pass %s complete\n", passID)
	return nil
}

// discover asks the channel listing for recent uploads and records
// any previously unseen videos in the store. We request double the
// pass limit so videos we have already processed do not starve the
// listing of genuinely new entries. A listing failure is logged and
// tolerated (the existing backlog can still drain); a store failure
// is fatal.
func (service *Service) discover(ctx context.Context) error {
	entries, err := service.source.RecentVideos(ctx, service.config.MaxVideos*2)
	if err != nil {
		log.Emit(logger.ERROR, "Discovery failed: %s... continuing with existing backlog\n", err.Error())
		return nil
	}

	db := service.db.GetSqlxDb()
	for _, entry := range entries {
		if _, err := service.store.UpsertVideo(db, entry.ID, entry.Title); err != nil {
			return fatal(fmt.Errorf("failed to record discovered video %s: %w", entry.ID, err))
		}
	}

	log.Emit(logger.DEBUG, "Discovery recorded %d listing entries\n", len(entries))
	return nil
}

// processNextVideo is the worker task: claim one video from the pass
// queue and run it through the state machine. Returns false once the
// queue is empty, sending the worker to sleep (and, as the pool is
// closing, to exit).
func (service *Service) processNextVideo(ctx context.Context) (bool, error) {
	vid := service.claimNextVideo()
	if vid == nil || ctx.Err() != nil {
		return false, nil
	}

	if err := service.processVideo(ctx, vid); err != nil {
		service.recordFatal(err)
		return false, err
	}

	return true, nil
}

// claimNextVideo pops the oldest pending video from the pass queue,
// ensuring each video is owned by exactly one worker.
func (service *Service) claimNextVideo() *video.Video {
	service.Lock()
	defer service.Unlock()

	if len(service.queue) == 0 {
		return nil
	}

	vid := service.queue[0]
	service.queue = service.queue[1:]
	return vid
}

// recordFatal captures the first fatal error of the pass, drops any
// unclaimed work and cancels in-flight processing.
func (service *Service) recordFatal(err error) {
	service.Lock()
	defer service.Unlock()

	if service.runErr == nil {
		service.runErr = err
	}

	service.queue = nil
	if service.cancel != nil {
		service.cancel()
	}
}
