package youtube

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/floyd-ryan/scribe/pkg/logger"
)

var log = logger.Get("YouTube")

type (
	// Config controls how the yt-dlp binary is invoked for both
	// channel listing and media download.
	Config struct {
		// ChannelURL is the videos listing page of the channel
		// being scraped.
		ChannelURL string `yaml:"channel_url" env:"CHANNEL_URL" validate:"required,url"`

		// BinaryPath is the yt-dlp executable. Resolved against PATH
		// when not absolute.
		BinaryPath string `yaml:"yt_dlp_path" env:"YT_DLP_PATH" env-default:"yt-dlp"`

		// CookiesFile optionally points at a Netscape-format cookies
		// export; without one YouTube may reject downloads.
		CookiesFile string `yaml:"cookies_file" env:"YT_COOKIES_FILE"`

		Format string `yaml:"format" env:"YT_FORMAT" env-default:"bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"`
	}

	// ListingEntry is a single row of a channel listing: an opaque
	// stable identifier plus a human readable title.
	ListingEntry struct {
		ID    string
		Title string
	}

	Client struct {
		config Config
	}
)

func NewClient(config Config) *Client {
	if config.CookiesFile != "" {
		if _, err := os.Stat(config.CookiesFile); err != nil {
			log.Emit(logger.WARNING, "Cookies file %s is not readable; continuing without authentication\n", config.CookiesFile)
			config.CookiesFile = ""
		}
	}

	return &Client{config: config}
}

// RecentVideos asks the channel listing for its most recent uploads,
// at most 'limit' entries. The listing is a flat scan of the channel
// page; no pagination cursor is persisted between calls.
func (client *Client) RecentVideos(ctx context.Context, limit int) ([]ListingEntry, error) {
	args := []string{
		"--flat-playlist",
		"--quiet",
		"--no-warnings",
		"--playlist-items", fmt.Sprintf("1-%d", limit),
		"--print", "%(id)s\t%(title)s",
	}
	args = client.appendCommonArgs(args)
	args = append(args, client.config.ChannelURL)

	cmd := exec.CommandContext(ctx, client.config.BinaryPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("channel listing failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	entries := make([]ListingEntry, 0, limit)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		id, title, found := strings.Cut(line, "\t")
		if !found || id == "" {
			log.Emit(logger.WARNING, "Skipping malformed listing line %q\n", line)
			continue
		}

		if title == "" {
			title = "Unknown Title"
		}

		entries = append(entries, ListingEntry{ID: id, Title: title})
	}

	return entries, nil
}

// Download fetches the media for the given video in to destDir and
// returns the path of the downloaded file. The file is named from the
// cleaned title suffixed with the video ID for uniqueness.
func (client *Client) Download(ctx context.Context, id string, title string, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, os.ModeDir|os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create download directory %s: %w", destDir, err)
	}

	filename := fmt.Sprintf("%s_%s", CleanTitle(title), id)
	outputTemplate := filepath.Join(destDir, filename+".%(ext)s")

	args := []string{
		"--format", client.config.Format,
		"--output", outputTemplate,
		"--no-playlist",
		"--quiet",
		"--no-warnings",
		"--retries", "10",
		"--fragment-retries", "10",
	}
	args = client.appendCommonArgs(args)
	args = append(args, "https://www.youtube.com/watch?v="+id)

	log.Emit(logger.INFO, "Downloading %s (%s)...\n", title, id)
	cmd := exec.CommandContext(ctx, client.config.BinaryPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("download of %s failed: %w (%s)", id, err, strings.TrimSpace(stderr.String()))
	}

	// The extension is chosen by yt-dlp, so glob for the file we asked for.
	matches, err := filepath.Glob(filepath.Join(destDir, filename+".*"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("could not find downloaded file for %s in %s", id, destDir)
	}

	return matches[0], nil
}

func (client *Client) appendCommonArgs(args []string) []string {
	if client.config.CookiesFile != "" {
		args = append(args, "--cookies", client.config.CookiesFile)
	}

	return append(args, "--no-check-certificates")
}

var unsafeFilenameChars = regexp.MustCompile(`[^\w\-]`)

// CleanTitle makes a video title safe for use as a file name: spaces
// become underscores, anything outside [A-Za-z0-9_-] is stripped, and
// the result is capped at 100 characters.
func CleanTitle(title string) string {
	cleaned := strings.ReplaceAll(title, " ", "_")
	cleaned = unsafeFilenameChars.ReplaceAllString(cleaned, "")
	if len(cleaned) > 100 {
		cleaned = cleaned[:100]
	}

	return cleaned
}
