package internal

import (
	"context"
	"fmt"

	"github.com/floyd-ryan/scribe/internal/database"
	"github.com/floyd-ryan/scribe/internal/pipeline"
	"github.com/floyd-ryan/scribe/internal/split"
	"github.com/floyd-ryan/scribe/internal/transcribe"
	"github.com/floyd-ryan/scribe/internal/video"
	"github.com/floyd-ryan/scribe/internal/youtube"
	"github.com/floyd-ryan/scribe/pkg/logger"
)

var log = logger.Get("Core")

// Scribe is the top-level object for the tool; it owns the database
// connection, the progress store and the pipeline service, and
// exposes one method per CLI command.
type Scribe struct {
	config ScribeConfig
	db     database.Manager
	store  *video.Store

	pipelineService *pipeline.Service
}

func New(config ScribeConfig) *Scribe {
	store := video.NewStore()
	db := database.New()

	client := youtube.NewClient(config.YouTube)
	splitter := split.New(config.Splitter)
	transcriber := transcribe.New(config.Transcriber)

	return &Scribe{
		config:          config,
		db:              db,
		store:           store,
		pipelineService: pipeline.New(config.Pipeline, db, store, client, client, splitter, transcriber),
	}
}

// Connect opens the progress database, running any pending
// migrations. Must be called before any command method.
func (scribe *Scribe) Connect() error {
	return scribe.db.Connect(scribe.config.Database)
}

func (scribe *Scribe) Close() error {
	return scribe.db.Close()
}

// RunPass performs one pipeline pass and then reports the store
// statistics, mirroring a scheduled invocation of the scraper.
func (scribe *Scribe) RunPass(ctx context.Context) error {
	if err := scribe.pipelineService.RunPass(ctx); err != nil {
		return err
	}

	return scribe.PrintStats()
}

func (scribe *Scribe) PrintStats() error {
	stats, err := scribe.store.Stats(scribe.db.GetSqlxDb())
	if err != nil {
		return err
	}

	fmt.Println("--- Processing Statistics ---")
	fmt.Printf("Total videos:       %d\n", stats.TotalVideos)
	fmt.Printf("Completed videos:   %d\n", stats.CompletedVideos)
	fmt.Printf("Pending videos:     %d\n", stats.PendingVideos)
	fmt.Printf("Failed videos:      %d\n", stats.FailedVideos)
	fmt.Printf("Total segments:     %d\n", stats.TotalSegments)
	fmt.Printf("Done segments:      %d\n", stats.DoneSegments)
	fmt.Printf("Pending segments:   %d\n", stats.PendingSegments)
	fmt.Printf("Failed segments:    %d\n", stats.FailedSegments)
	fmt.Println("-----------------------------")
	return nil
}

// PrintVideos lists videos matching the filter, most recently
// discovered first, with failed items surfaced distinctly so an
// operator can triage without reading logs.
func (scribe *Scribe) PrintVideos(filter video.ListFilter) error {
	videos, err := scribe.store.ListVideos(scribe.db.GetSqlxDb(), filter)
	if err != nil {
		return err
	}

	if len(videos) == 0 {
		fmt.Println("No videos found.")
		return nil
	}

	for _, vid := range videos {
		fmt.Printf("%-10s %-14s %s (%s)\n", vid.Status(), vid.ID, vid.Title, vid.DiscoveredAt.Format("2006-01-02 15:04"))
	}

	return nil
}

// Reset destroys ALL progress state. Test/dev environments only.
func (scribe *Scribe) Reset() error {
	log.Emit(logger.REMOVE, "Clearing all progress store state...\n")
	return scribe.store.Reset(scribe.db.GetSqlxDb())
}
