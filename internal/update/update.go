// Package update checks whether a newer pgm release is published.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/pthm/pgm/internal/version"
)

const (
	// DefaultURL is the GitHub API endpoint for the latest release.
	DefaultURL = "https://api.github.com/repos/pthm/pgm/releases/latest"

	cacheTTL  = 24 * time.Hour
	cacheFile = "update-check.json"
)

// Info contains update check results
type Info struct {
	LatestVersion   string    `json:"latest_version"`
	CurrentVersion  string    `json:"current_version"`
	ReleaseURL      string    `json:"release_url"`
	CheckedAt       time.Time `json:"checked_at"`
	UpdateAvailable bool      `json:"update_available"`
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Checker looks up the latest release, caching the answer for a day.
type Checker struct {
	// URL defaults to DefaultURL.
	URL string

	// CacheDir defaults to $XDG_CACHE_HOME/pgm or ~/.cache/pgm. The cache is
	// best effort; failures to read or write it are ignored.
	CacheDir string

	Client *http.Client
}

// Check returns the cached result when fresh, otherwise asks GitHub.
func (c *Checker) Check(ctx context.Context) (*Info, error) {
	if info, err := c.loadCache(); err == nil && time.Since(info.CheckedAt) < cacheTTL {
		info.CurrentVersion = version.Version
		info.UpdateAvailable = newer(info.LatestVersion, info.CurrentVersion)
		return info, nil
	}

	info, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	_ = c.saveCache(info)
	return info, nil
}

func (c *Checker) fetch(ctx context.Context) (*Info, error) {
	url := c.URL
	if url == "" {
		url = DefaultURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "pgm/"+version.Version)

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checking for updates: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("checking for updates: GitHub API returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("decoding release: %w", err)
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	return &Info{
		LatestVersion:   latest,
		CurrentVersion:  version.Version,
		ReleaseURL:      release.HTMLURL,
		CheckedAt:       time.Now(),
		UpdateAvailable: newer(latest, version.Version),
	}, nil
}

// newer reports whether latest is a higher release than current. Development
// builds and unparseable versions never report an update.
func newer(latest, current string) bool {
	l, c := canonical(latest), canonical(current)
	if l == "" || c == "" {
		return false
	}
	return semver.Compare(l, c) > 0
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

func (c *Checker) cacheDir() (string, error) {
	if c.CacheDir != "" {
		return c.CacheDir, nil
	}
	cacheHome := os.Getenv("XDG_CACHE_HOME")
	if cacheHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		cacheHome = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheHome, "pgm"), nil
}

func (c *Checker) loadCache() (*Info, error) {
	dir, err := c.cacheDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, cacheFile))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Checker) saveCache(info *Info) error {
	dir, err := c.cacheDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, cacheFile), data, 0o644)
}
