package internal

import (
	"fmt"
	"os"

	"github.com/floyd-ryan/scribe/internal/database"
	"github.com/floyd-ryan/scribe/internal/pipeline"
	"github.com/floyd-ryan/scribe/internal/split"
	"github.com/floyd-ryan/scribe/internal/transcribe"
	"github.com/floyd-ryan/scribe/internal/youtube"
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

// ScribeConfig is the struct used to contain the various user config
// supplied by file and/or environment.
type ScribeConfig struct {
	Pipeline    pipeline.Config         `yaml:"pipeline"`
	YouTube     youtube.Config          `yaml:"youtube"`
	Splitter    split.Config            `yaml:"ffmpeg"`
	Transcriber transcribe.Config       `yaml:"transcriber"`
	Database    database.DatabaseConfig `yaml:"database"`
}

// LoadFromFile populates the config from the YAML file at configPath
// (when it exists) with environment variables taking precedence.
// Paths containing '~' are expanded to the users home directory.
func (config *ScribeConfig) LoadFromFile(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		if err := cleanenv.ReadConfig(configPath, config); err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
		}
	} else if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	return config.expandPaths()
}

// Validate checks the cross-field constraints for a full pipeline
// pass. Read-only commands (stats/list) deliberately skip this, as
// they only need the database portion of the config.
func (config *ScribeConfig) Validate() error {
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	return nil
}

func (config *ScribeConfig) expandPaths() error {
	paths := []*string{
		&config.Pipeline.DownloadDir,
		&config.Pipeline.SegmentDir,
		&config.Pipeline.TranscriptDir,
		&config.Database.Path,
		&config.YouTube.CookiesFile,
	}

	for _, path := range paths {
		if *path == "" {
			continue
		}

		expanded, err := homedir.Expand(*path)
		if err != nil {
			return fmt.Errorf("failed to expand configured path %s: %w", *path, err)
		}
		*path = expanded
	}

	return nil
}
