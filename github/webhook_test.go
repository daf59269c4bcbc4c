package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "test-secret"
	handler := NewWebhookHandler(secret)
	payload := []byte(`{"action": "opened"}`)

	tests := []struct {
		name      string
		signature string
		wantErr   error
	}{
		{
			name:      "missing signature",
			signature: "",
			wantErr:   ErrMissingSignature,
		},
		{
			name:      "invalid format",
			signature: "invalid",
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "wrong algorithm",
			signature: "sha1=abc123",
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "invalid hex",
			signature: "sha256=zzzz",
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "signature for different body",
			signature: sign(secret, []byte(`{"action": "closed"}`)),
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "signature with wrong secret",
			signature: sign("other-secret", payload),
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "valid signature",
			signature: sign(secret, payload),
			wantErr:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handler.VerifySignature(payload, tt.signature)
			if err != tt.wantErr {
				t.Errorf("VerifySignature() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// A correctly signed body must invalidate under any single-byte mutation.
func TestVerifySignatureByteMutation(t *testing.T) {
	secret := "test-secret"
	handler := NewWebhookHandler(secret)
	payload := []byte(`{"action":"opened","number":42}`)
	signature := sign(secret, payload)

	if err := handler.VerifySignature(payload, signature); err != nil {
		t.Fatalf("VerifySignature() on unmodified body: %v", err)
	}

	for i := range payload {
		mutated := make([]byte, len(payload))
		copy(mutated, payload)
		mutated[i] ^= 0x01

		if err := handler.VerifySignature(mutated, signature); err != ErrInvalidSignature {
			t.Errorf("byte %d mutated: error = %v, want ErrInvalidSignature", i, err)
		}
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		action    string
		want      Disposition
	}{
		{"pull_request opened", "pull_request", "opened", DispositionReview},
		{"pull_request synchronize", "pull_request", "synchronize", DispositionReview},
		{"pull_request reopened", "pull_request", "reopened", DispositionReview},
		{"pull_request closed", "pull_request", "closed", DispositionIgnore},
		{"pull_request labeled", "pull_request", "labeled", DispositionIgnore},
		{"pull_request_review submitted", "pull_request_review", "submitted", DispositionIgnore},
		{"installation created", "installation", "created", DispositionInstallation},
		{"installation deleted", "installation", "deleted", DispositionInstallation},
		{"installation suspend", "installation", "suspend", DispositionInstallation},
		{"installation new_permissions_accepted", "installation", "new_permissions_accepted", DispositionIgnore},
		{"push", "push", "", DispositionIgnore},
		{"completely unknown event", "made_up_event", "whatever", DispositionIgnore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Route(tt.eventType, tt.action); got != tt.want {
				t.Errorf("Route(%q, %q) = %v, want %v", tt.eventType, tt.action, got, tt.want)
			}
		})
	}
}

func TestParsePullRequestEvent(t *testing.T) {
	handler := NewWebhookHandler("secret")

	t.Run("valid payload", func(t *testing.T) {
		payload := []byte(`{
			"action": "opened",
			"number": 42,
			"pull_request": {
				"id": 123,
				"number": 42,
				"title": "Test PR",
				"head": {"sha": "abc123", "ref": "feature"},
				"base": {"sha": "def456", "ref": "main"}
			},
			"repository": {
				"id": 789,
				"name": "test-repo",
				"full_name": "owner/test-repo",
				"default_branch": "main",
				"language": "Go",
				"owner": {"id": 5, "login": "owner"}
			},
			"installation": {"id": 999}
		}`)

		event, err := handler.ParsePullRequestEvent(payload)
		if err != nil {
			t.Fatalf("ParsePullRequestEvent() error = %v", err)
		}
		if event.Action != "opened" {
			t.Errorf("Action = %v, want opened", event.Action)
		}
		if event.PullRequest.ID != 123 {
			t.Errorf("PullRequest.ID = %v, want 123", event.PullRequest.ID)
		}
		if event.Repository.Language != "Go" {
			t.Errorf("Repository.Language = %v, want Go", event.Repository.Language)
		}
		if event.Installation.ID != 999 {
			t.Errorf("Installation.ID = %v, want 999", event.Installation.ID)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := handler.ParsePullRequestEvent([]byte(`{invalid`)); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})

	t.Run("missing pull_request", func(t *testing.T) {
		if _, err := handler.ParsePullRequestEvent([]byte(`{"action": "opened"}`)); err == nil {
			t.Error("expected error for missing pull_request")
		}
	})

	t.Run("missing installation", func(t *testing.T) {
		payload := []byte(`{
			"action": "opened",
			"pull_request": {"id": 1, "head": {"sha": "abc"}},
			"repository": {"id": 2, "owner": {"id": 3, "login": "o"}}
		}`)
		if _, err := handler.ParsePullRequestEvent(payload); err == nil {
			t.Error("expected error for missing installation")
		}
	})

	t.Run("missing head", func(t *testing.T) {
		payload := []byte(`{
			"action": "opened",
			"pull_request": {"id": 1},
			"repository": {"id": 2, "owner": {"id": 3, "login": "o"}},
			"installation": {"id": 4}
		}`)
		if _, err := handler.ParsePullRequestEvent(payload); err == nil {
			t.Error("expected error for missing head ref")
		}
	})
}

func TestParseInstallationEvent(t *testing.T) {
	handler := NewWebhookHandler("secret")

	t.Run("valid payload", func(t *testing.T) {
		payload := []byte(`{
			"action": "created",
			"installation": {
				"id": 999,
				"account": {"id": 5, "login": "octocat", "type": "Organization"}
			},
			"repositories": [
				{"id": 100, "name": "hello", "full_name": "octocat/hello"}
			]
		}`)

		event, err := handler.ParseInstallationEvent(payload)
		if err != nil {
			t.Fatalf("ParseInstallationEvent() error = %v", err)
		}
		if event.Installation.ID != 999 {
			t.Errorf("Installation.ID = %v, want 999", event.Installation.ID)
		}
		if event.Installation.Account.Login != "octocat" {
			t.Errorf("Account.Login = %v, want octocat", event.Installation.Account.Login)
		}
		if len(event.Repositories) != 1 {
			t.Errorf("Repositories = %d entries, want 1", len(event.Repositories))
		}
	})

	t.Run("missing installation", func(t *testing.T) {
		if _, err := handler.ParseInstallationEvent([]byte(`{"action": "created"}`)); err == nil {
			t.Error("expected error for missing installation")
		}
	})
}

func TestInstallationRemoved(t *testing.T) {
	tests := []struct {
		action string
		want   bool
	}{
		{"deleted", true},
		{"suspend", true},
		{"created", false},
		{"unsuspend", false},
	}
	for _, tt := range tests {
		if got := InstallationRemoved(tt.action); got != tt.want {
			t.Errorf("InstallationRemoved(%q) = %v, want %v", tt.action, got, tt.want)
		}
	}
}
