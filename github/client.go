package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

const defaultBaseURL = "https://api.github.com"

const (
	// filesPerPage is the page size for the changed-files listing.
	filesPerPage = 100
	// maxFilePages bounds pagination; a PR with more files than this has the
	// remainder dropped (the diff budget truncates long before this anyway).
	maxFilePages = 10

	fetchMaxAttempts = 3
	fetchBaseDelay   = 500 * time.Millisecond
)

// ErrNotFound indicates the requested resource does not exist (HTTP 404).
// It is not retried.
var ErrNotFound = errors.New("resource not found")

// Client provides authenticated access to the GitHub API on behalf of a
// GitHub App installation. Failed requests are retried with exponential
// backoff on network errors, 5xx responses, and rate limiting.
type Client struct {
	baseURL    string
	appID      int64
	privateKey []byte
	timeout    time.Duration
	retryDelay time.Duration
}

// NewClient creates a GitHub API client. privateKey is the PEM-encoded
// private key of the GitHub App.
func NewClient(appID int64, privateKey []byte) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		appID:      appID,
		privateKey: privateKey,
		timeout:    30 * time.Second,
		retryDelay: fetchBaseDelay,
	}
}

// installationClient returns an HTTP client whose transport mints and
// refreshes installation access tokens.
func (c *Client) installationClient(installationID int64) (*http.Client, error) {
	transport, err := ghinstallation.New(http.DefaultTransport, c.appID, installationID, c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create installation transport: %w", err)
	}
	return &http.Client{Transport: transport, Timeout: c.timeout}, nil
}

// GetPullRequest fetches pull request metadata by number.
func (c *Client) GetPullRequest(ctx context.Context, installationID int64, owner, repo string, prNumber int) (*PullRequest, error) {
	client, err := c.installationClient(installationID)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, owner, repo, prNumber)
	var pr PullRequest
	if err := c.getJSON(ctx, client, url, &pr); err != nil {
		return nil, fmt.Errorf("failed to fetch pull request: %w", err)
	}
	return &pr, nil
}

// ListPullRequestFiles fetches the changed-file list for a pull request,
// following pagination up to maxFilePages pages.
func (c *Client) ListPullRequestFiles(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]PullRequestFile, error) {
	client, err := c.installationClient(installationID)
	if err != nil {
		return nil, err
	}

	var files []PullRequestFile
	for page := 1; page <= maxFilePages; page++ {
		url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=%d&page=%d",
			c.baseURL, owner, repo, prNumber, filesPerPage, page)

		var batch []PullRequestFile
		if err := c.getJSON(ctx, client, url, &batch); err != nil {
			return nil, fmt.Errorf("failed to fetch changed files (page %d): %w", page, err)
		}
		files = append(files, batch...)
		if len(batch) < filesPerPage {
			break
		}
	}
	return files, nil
}

// FetchFileContent fetches a file from the repository at the given ref.
// Returns "" without error when the file does not exist.
func (c *Client) FetchFileContent(ctx context.Context, installationID int64, owner, repo, path, ref string) (string, error) {
	client, err := c.installationClient(installationID)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s", c.baseURL, owner, repo, path, ref)
	var content FileContent
	if err := c.getJSON(ctx, client, url, &content); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to fetch file: %w", err)
	}

	if content.Encoding != "base64" {
		return "", fmt.Errorf("unsupported encoding: %s", content.Encoding)
	}
	decoded, err := base64.StdEncoding.DecodeString(content.Content)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 content: %w", err)
	}
	return string(decoded), nil
}

// getJSON performs a GET with bounded exponential backoff and decodes the
// JSON response into out. 404 maps to ErrNotFound without retrying; other
// non-retryable statuses fail immediately.
func (c *Client) getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	var lastErr error
	for attempt := 0; attempt < fetchMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		done, err := func() (bool, error) {
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK:
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return true, fmt.Errorf("failed to decode response: %w", err)
				}
				return true, nil
			case resp.StatusCode == http.StatusNotFound:
				return true, ErrNotFound
			case retryableStatus(resp.StatusCode):
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return false, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
			default:
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return true, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
			}
		}()
		if done {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryableStatus reports whether a response status is worth retrying:
// server errors and rate limiting.
func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}
