package youtube

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_CleanTitle(t *testing.T) {
	tests := []struct {
		summary  string
		title    string
		expected string
	}{
		{"spaces become underscores", "My Great Video", "My_Great_Video"},
		{"punctuation is stripped", "Q&A: What's New? (2024)", "QA_Whats_New_2024"},
		{"hyphens and underscores survive", "pre-release_build", "pre-release_build"},
		{"already clean title unchanged", "Plain_Title-01", "Plain_Title-01"},
		{"empty title stays empty", "", ""},
		{"unicode is stripped", "日本語 Title", "_Title"},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			assert.Equal(t, test.expected, CleanTitle(test.title))
		})
	}
}

func Test_CleanTitle_CapsLength(t *testing.T) {
	long := strings.Repeat("a", 150)
	cleaned := CleanTitle(long)

	assert.Len(t, cleaned, 100)
	assert.Equal(t, strings.Repeat("a", 100), cleaned)
}

func Test_NewClient_UnreadableCookiesFileIgnored(t *testing.T) {
	client := NewClient(Config{
		ChannelURL:  "https://www.youtube.com/@someone/videos",
		CookiesFile: filepath.Join(t.TempDir(), "does-not-exist.txt"),
	})

	assert.Empty(t, client.config.CookiesFile)
}

func Test_NewClient_ReadableCookiesFileRetained(t *testing.T) {
	cookiesFile := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(cookiesFile, []byte("# Netscape HTTP Cookie File"), 0o644))

	client := NewClient(Config{
		ChannelURL:  "https://www.youtube.com/@someone/videos",
		CookiesFile: cookiesFile,
	})

	assert.Equal(t, cookiesFile, client.config.CookiesFile)
}

func Test_AppendCommonArgs(t *testing.T) {
	bare := Client{config: Config{}}
	assert.Equal(t, []string{"--no-check-certificates"}, bare.appendCommonArgs(nil))

	authenticated := Client{config: Config{CookiesFile: "/tmp/cookies.txt"}}
	assert.Equal(t,
		[]string{"--cookies", "/tmp/cookies.txt", "--no-check-certificates"},
		authenticated.appendCommonArgs(nil))
}
