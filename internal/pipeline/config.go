package pipeline

import "time"

// Config contains configuration options that control how a single
// pass over the pending backlog behaves.
type Config struct {
	// MaxVideos bounds how many pending videos one pass will process.
	MaxVideos int `yaml:"max_videos" env:"PIPELINE_MAX_VIDEOS" env-default:"10" validate:"min=1"`

	// SegmentSeconds is the fixed duration of each media segment
	// submitted for transcription. The final segment of a video may
	// be shorter.
	SegmentSeconds int `yaml:"segment_seconds" env:"PIPELINE_SEGMENT_SECONDS" env-default:"600" validate:"min=1"`

	// Parallelism controls the number of workers processing videos.
	// Each video is owned by exactly one worker; segments within a
	// video are always processed sequentially.
	Parallelism int `yaml:"parallelism" env:"PIPELINE_PARALLELISM" env-default:"1" validate:"min=1"`

	// SegmentPauseSeconds is a politeness delay between consecutive
	// segment transcriptions of the same video.
	SegmentPauseSeconds int `yaml:"segment_pause_seconds" env:"PIPELINE_SEGMENT_PAUSE_SECONDS" env-default:"5" validate:"min=0"`

	DownloadDir   string `yaml:"download_dir" env:"PIPELINE_DOWNLOAD_DIR" env-default:"downloaded_videos" validate:"required"`
	SegmentDir    string `yaml:"segment_dir" env:"PIPELINE_SEGMENT_DIR" env-default:"split_videos" validate:"required"`
	TranscriptDir string `yaml:"transcript_dir" env:"PIPELINE_TRANSCRIPT_DIR" env-default:"transcripts" validate:"required"`
}

func (config *Config) SegmentPauseDuration() time.Duration {
	return time.Duration(config.SegmentPauseSeconds) * time.Second
}
