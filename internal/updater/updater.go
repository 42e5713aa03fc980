// Package updater checks GitHub for newer sitelock releases.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	githubOwner = "mackeh"
	githubRepo  = "sitelock"
	apiURL      = "https://api.github.com/repos/%s/%s/releases/latest"
)

// Release represents a GitHub release.
type Release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Checker queries the releases endpoint.
type Checker struct {
	URL    string
	Client *http.Client
}

// NewChecker returns a Checker pointed at the sitelock GitHub repository.
func NewChecker() *Checker {
	return &Checker{
		URL:    fmt.Sprintf(apiURL, githubOwner, githubRepo),
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Latest fetches the latest published release.
func (c *Checker) Latest(ctx context.Context) (Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return Release{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return Release{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Release{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return Release{}, err
	}
	return release, nil
}

// Check compares currentVersion with the latest release. It returns the
// newer release, or nil when currentVersion is already the latest.
func (c *Checker) Check(ctx context.Context, currentVersion string) (*Release, error) {
	release, err := c.Latest(ctx)
	if err != nil {
		return nil, err
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	current := strings.TrimPrefix(currentVersion, "v")
	if latest == "" || latest == current {
		return nil, nil
	}
	return &release, nil
}
