package split

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/floyd-ryan/scribe/pkg/logger"
)

var log = logger.Get("Splitter")

type (
	Config struct {
		FfmpegBinPath  string `yaml:"ffmpeg_path" env:"FFMPEG_PATH" env-default:"ffmpeg"`
		FfprobeBinPath string `yaml:"ffprobe_path" env:"FFPROBE_PATH" env-default:"ffprobe"`
	}

	// SplitError indicates that the media could not be cut in to
	// segments. The orchestrator treats this as a whole-video failure.
	SplitError struct {
		Path  string
		cause error
	}

	Splitter struct {
		config Config
	}
)

func (e *SplitError) Error() string {
	return fmt.Sprintf("failed to split media %s: %s", e.Path, e.cause.Error())
}

func (e *SplitError) Unwrap() error { return e.cause }

func New(config Config) *Splitter {
	return &Splitter{config: config}
}

// Split cuts the media file in to fixed-duration segments inside
// outputDir and returns their paths in chronological order. The
// stream is copied rather than re-encoded, and the final segment may
// be shorter than segmentSeconds.
func (splitter *Splitter) Split(ctx context.Context, mediaPath string, outputDir string, segmentSeconds int) ([]string, error) {
	duration, err := splitter.probeDuration(mediaPath)
	if err != nil {
		return nil, &SplitError{Path: mediaPath, cause: err}
	}

	if err := os.MkdirAll(outputDir, os.ModeDir|os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create segment directory %s: %w", outputDir, err)
	}

	base := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	outputPattern := filepath.Join(outputDir, base+"_Part%03d.mp4")

	expected := int(math.Ceil(duration / float64(segmentSeconds)))
	log.Emit(logger.INFO, "Splitting %s (%.0fs) in to %d segments of %ds...\n", filepath.Base(mediaPath), duration, expected, segmentSeconds)

	cmd := exec.CommandContext(ctx, splitter.config.FfmpegBinPath,
		"-i", mediaPath,
		"-c", "copy",
		"-map", "0",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-f", "segment",
		"-reset_timestamps", "1",
		outputPattern,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &SplitError{Path: mediaPath, cause: fmt.Errorf("%w (%s)", err, lastLine(stderr.String()))}
	}

	// ffmpeg numbers segments from 000, so a lexical sort of the glob
	// results matches chronological order.
	segments, err := filepath.Glob(filepath.Join(outputDir, base+"_Part*.mp4"))
	if err != nil {
		return nil, &SplitError{Path: mediaPath, cause: err}
	}
	sort.Strings(segments)

	if len(segments) == 0 {
		return nil, &SplitError{Path: mediaPath, cause: fmt.Errorf("ffmpeg succeeded but produced no segments")}
	}

	return segments, nil
}

// probeDuration extracts the media duration (in seconds) using ffprobe.
func (splitter *Splitter) probeDuration(mediaPath string) (float64, error) {
	transcoder := ffmpeg.
		New(&ffmpeg.Config{
			FfmpegBinPath:  splitter.config.FfmpegBinPath,
			FfprobeBinPath: splitter.config.FfprobeBinPath,
		}).
		Input(mediaPath)

	metadata, err := transcoder.GetMetadata()
	if err != nil {
		return 0, fmt.Errorf("failed to extract file metadata information using ffprobe: %w", err)
	}

	duration, err := strconv.ParseFloat(metadata.GetFormat().GetDuration(), 64)
	if err != nil || duration <= 0 {
		return 0, fmt.Errorf("ffprobe reported an unusable duration %q for %s", metadata.GetFormat().GetDuration(), mediaPath)
	}

	return duration, nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return lines[len(lines)-1]
}
