// Package github provides webhook verification/routing and the GitHub API
// client used by the review pipeline.
package github

// WebhookEvent is the envelope shared by pull_request payloads.
type WebhookEvent struct {
	Action       string        `json:"action"`
	Number       int           `json:"number"`
	PullRequest  *PullRequest  `json:"pull_request,omitempty"`
	Repository   *Repository   `json:"repository"`
	Installation *Installation `json:"installation"`
	Sender       *User         `json:"sender"`
}

// PullRequest represents a GitHub pull request.
type PullRequest struct {
	ID      int64  `json:"id"`
	Number  int    `json:"number"`
	State   string `json:"state"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Head    *Ref   `json:"head"`
	Base    *Ref   `json:"base"`
	User    *User  `json:"user"`
	HTMLURL string `json:"html_url"`
}

// Ref represents a git reference (branch/commit).
type Ref struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// Repository represents a GitHub repository.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Owner         *User  `json:"owner"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	Language      string `json:"language"`
}

// User represents a GitHub user or organization.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type"`
}

// Installation carries the installation id on event payloads.
type Installation struct {
	ID int64 `json:"id"`
}

// InstallationEvent represents an installation webhook event.
type InstallationEvent struct {
	Action       string               `json:"action"` // created, deleted, suspend, unsuspend
	Installation *InstallationDetails `json:"installation"`
	Repositories []RepositorySummary  `json:"repositories,omitempty"`
	Sender       *User                `json:"sender"`
}

// InstallationDetails contains details about a GitHub App installation.
type InstallationDetails struct {
	ID      int64 `json:"id"`
	Account *User `json:"account"`
}

// RepositorySummary is the abbreviated repository shape on installation events.
type RepositorySummary struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

// PullRequestFile represents a file changed in a pull request.
type PullRequestFile struct {
	SHA              string `json:"sha"`
	Filename         string `json:"filename"`
	Status           string `json:"status"` // added, removed, modified, renamed, copied, changed, unchanged
	Additions        int    `json:"additions"`
	Deletions        int    `json:"deletions"`
	Changes          int    `json:"changes"`
	Patch            string `json:"patch,omitempty"`
	PreviousFilename string `json:"previous_filename,omitempty"`
}

// FileContent represents the content of a file from the GitHub API.
type FileContent struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	SHA      string `json:"sha"`
}
