// Package version checks GitHub releases for a newer festdb and compares
// semantic versions.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	repoOwner = "techfest"
	repoName  = "festdb"
)

// releaseURL is a variable so tests can point Check at a local server.
var releaseURL = fmt.Sprintf("https://api.github.com/repos/%s/%s/releases/latest", repoOwner, repoName)

// Release represents a GitHub release response.
type Release struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
	HTMLURL     string    `json:"html_url"`
}

// CheckResult holds the result of a version check.
type CheckResult struct {
	CurrentVersion string
	LatestVersion  string
	UpdateURL      string
	HasUpdate      bool
	Error          error
}

// Check fetches the latest release from GitHub and compares versions.
// Development builds are never checked.
func Check(ctx context.Context, currentVersion string) CheckResult {
	result := CheckResult{CurrentVersion: currentVersion}

	if IsDevelopmentVersion(currentVersion) {
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseURL, nil)
	if err != nil {
		result.Error = err
		return result
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Error = err
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("github api: %s", resp.Status)
		return result
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		result.Error = err
		return result
	}

	result.LatestVersion = release.TagName
	result.UpdateURL = release.HTMLURL
	result.HasUpdate = isNewer(release.TagName, currentVersion)
	return result
}

// IsDevelopmentVersion returns true for non-release versions.
func IsDevelopmentVersion(v string) bool {
	switch v {
	case "", "unknown", "dev", "devel":
		return true
	}
	return strings.HasPrefix(v, "devel+")
}

// validVersionRegex matches v1.2.3 and v1.2.3-beta.1 style tags.
var validVersionRegex = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[a-zA-Z0-9]+([.-][a-zA-Z0-9]+)*)?$`)

// UpdateCommand generates the go install command for updating. It returns
// "" for anything that is not a plain release tag, so the result is safe
// to print as a shell command.
func UpdateCommand(version string) string {
	if !validVersionRegex.MatchString(version) {
		return ""
	}
	return fmt.Sprintf(
		"go install -ldflags \"-X main.Version=%s\" github.com/%s/%s@%s",
		version, repoOwner, repoName, version,
	)
}
