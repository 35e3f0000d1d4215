// Package catalog is a Nessie v2 REST client for the ephemeral-branch
// lifecycle every pipeline run uses for isolation: create a branch from
// main, write through it, then merge or delete based on quality results.
// Branch names are validated before any request, transient failures
// (5xx, connection errors) retry with exponential backoff while 4xx
// responses surface immediately, 409 on create and 404 on merge/delete
// are idempotent outcomes, and an optional circuit breaker gates the
// whole client when the catalog host is unhealthy.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/brinkfield/lakeforge/internal/circuitbreaker"
)

var safeBranchName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ErrInvalidBranchName is returned when a branch name could enable path
// traversal or header/URL injection.
type ErrInvalidBranchName struct{ Name string }

func (e ErrInvalidBranchName) Error() string {
	return fmt.Sprintf("invalid catalog branch name: %q", e.Name)
}

func validateBranchName(name string) error {
	if name == "" || !safeBranchName.MatchString(name) {
		return ErrInvalidBranchName{Name: name}
	}
	if containsDotDot(name) {
		return ErrInvalidBranchName{Name: name}
	}
	return nil
}

func containsDotDot(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '.' && s[i+1] == '.' {
			return true
		}
	}
	return false
}

// Reference is a branch's name and current commit hash.
type Reference struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// Client talks to a Nessie-compatible catalog's REST API v2.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker

	// onRetry, when set, observes each retried attempt (metrics).
	onRetry func()
}

// SetRetryHook registers a callback invoked once per retried catalog
// call. Must be set before the client is shared across goroutines.
func (c *Client) SetRetryHook(hook func()) { c.onRetry = hook }

// New builds a Client. breaker may be nil to disable circuit breaking.
func New(apiV2URL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *Client {
	return &Client{
		baseURL: apiV2URL,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// HTTPStatusError carries the response status code from a failed call so
// callers can distinguish 404/409 from other failures.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("catalog returned %d: %s", e.StatusCode, e.Body)
}

func isTransient(err error) bool {
	var statusErr *HTTPStatusError
	if asHTTPStatusError(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	// Network-level failures (refused connection, DNS, timeout) come back
	// from http.Client.Do as *url.Error and are transient; request-building
	// and response-decoding errors are not.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func asHTTPStatusError(err error, target **HTTPStatusError) bool {
	if se, ok := err.(*HTTPStatusError); ok {
		*target = se
		return true
	}
	return false
}

// withRetry retries op up to 3 times with 0.5s/1s/2s backoff, but only
// for transient errors; 4xx failures surface immediately.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	if c.breaker != nil && !c.breaker.Allow() {
		return fmt.Errorf("catalog circuit breaker open")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	bctx := backoff.WithMaxRetries(backoff.WithContext(b, ctx), 3)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 && c.onRetry != nil {
			c.onRetry()
		}
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bctx)

	if c.breaker != nil {
		if err != nil {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal catalog request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build catalog request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err // network-level: treated as transient by isTransient
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode catalog response: %w", err)
		}
	}
	return nil
}

func (c *Client) getReference(ctx context.Context, branch string) (Reference, error) {
	if err := validateBranchName(branch); err != nil {
		return Reference{}, err
	}
	var ref Reference
	var callErr error
	retryErr := c.withRetry(ctx, func() error {
		err := c.doJSON(ctx, http.MethodGet, "/trees/"+url.PathEscape(branch), nil, &ref)
		callErr = err
		return err
	})
	if retryErr != nil {
		return Reference{}, callErr
	}
	return ref, nil
}

// CreateBranch creates branchName from fromBranch and returns its head
// hash. Idempotent: if the branch already exists (409), its current hash
// is returned instead of erroring.
func (c *Client) CreateBranch(ctx context.Context, branchName, fromBranch string) (string, error) {
	if err := validateBranchName(branchName); err != nil {
		return "", err
	}
	if err := validateBranchName(fromBranch); err != nil {
		return "", err
	}

	source, err := c.getReference(ctx, fromBranch)
	if err != nil {
		return "", fmt.Errorf("resolve source branch %s: %w", fromBranch, err)
	}

	payload := map[string]any{
		"type": "BRANCH",
		"name": branchName,
		"reference": map[string]any{
			"type": "BRANCH",
			"name": fromBranch,
			"hash": source.Hash,
		},
	}

	var result Reference
	var callErr error
	retryErr := c.withRetry(ctx, func() error {
		err := c.doJSON(ctx, http.MethodPost, "/trees", payload, &result)
		callErr = err
		return err
	})
	if retryErr != nil {
		var statusErr *HTTPStatusError
		if asHTTPStatusError(callErr, &statusErr) && statusErr.StatusCode == http.StatusConflict {
			existing, err := c.getReference(ctx, branchName)
			if err != nil {
				return "", fmt.Errorf("resolve existing branch %s after 409: %w", branchName, err)
			}
			return existing.Hash, nil
		}
		return "", callErr
	}
	return result.Hash, nil
}

// MergeBranch merges source into target. A branch that is already gone
// (404) is treated as success.
func (c *Client) MergeBranch(ctx context.Context, source, target string) error {
	if err := validateBranchName(source); err != nil {
		return err
	}
	if err := validateBranchName(target); err != nil {
		return err
	}

	sourceRef, err := c.getReference(ctx, source)
	if err != nil {
		var statusErr *HTTPStatusError
		if asHTTPStatusError(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("resolve merge source %s: %w", source, err)
	}

	payload := map[string]any{
		"fromRefName": source,
		"fromHash":    sourceRef.Hash,
	}

	var callErr error
	retryErr := c.withRetry(ctx, func() error {
		err := c.doJSON(ctx, http.MethodPost, "/trees/"+url.PathEscape(target)+"/history/merge", payload, nil)
		callErr = err
		return err
	})
	if retryErr != nil {
		var statusErr *HTTPStatusError
		if asHTTPStatusError(callErr, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return callErr
	}
	return nil
}

// DeleteBranch deletes branchName. A branch that is already gone (404) is
// treated as success.
func (c *Client) DeleteBranch(ctx context.Context, branchName string) error {
	ref, err := c.getReference(ctx, branchName)
	if err != nil {
		var statusErr *HTTPStatusError
		if asHTTPStatusError(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("resolve branch to delete %s: %w", branchName, err)
	}

	path := fmt.Sprintf("/trees/%s?expected-hash=%s", url.PathEscape(branchName), url.QueryEscape(ref.Hash))
	var callErr error
	retryErr := c.withRetry(ctx, func() error {
		err := c.doJSON(ctx, http.MethodDelete, path, nil, nil)
		callErr = err
		return err
	})
	if retryErr != nil {
		var statusErr *HTTPStatusError
		if asHTTPStatusError(callErr, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return callErr
	}
	return nil
}

// BranchHash returns branch's current commit hash, used by the query
// service to skip view re-registration when the catalog hasn't moved.
func (c *Client) BranchHash(ctx context.Context, branch string) (string, error) {
	ref, err := c.getReference(ctx, branch)
	if err != nil {
		return "", err
	}
	return ref.Hash, nil
}

// Entry is one Iceberg table listed from a catalog branch. Elements are
// the table key's path components; by this platform's convention
// [namespace, layer, name].
type Entry struct {
	Elements         []string
	MetadataLocation string
}

// ListTableEntries lists every Iceberg table on branch along with its
// current metadata location.
func (c *Client) ListTableEntries(ctx context.Context, branch string) ([]Entry, error) {
	if err := validateBranchName(branch); err != nil {
		return nil, err
	}

	var out struct {
		Entries []struct {
			Type string `json:"type"`
			Name struct {
				Elements []string `json:"elements"`
			} `json:"name"`
			Content struct {
				MetadataLocation string `json:"metadataLocation"`
			} `json:"content"`
		} `json:"entries"`
	}

	var callErr error
	retryErr := c.withRetry(ctx, func() error {
		path := "/trees/" + url.PathEscape(branch) + "/entries?content=true"
		err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
		callErr = err
		return err
	})
	if retryErr != nil {
		return nil, callErr
	}

	var entries []Entry
	for _, e := range out.Entries {
		if e.Type != "ICEBERG_TABLE" {
			continue
		}
		entries = append(entries, Entry{
			Elements:         e.Name.Elements,
			MetadataLocation: e.Content.MetadataLocation,
		})
	}
	return entries, nil
}

// TableMetadataLocation returns the current metadata.json location for a
// three-part table identifier (namespace.layer.name), used to resolve
// ref() calls in templates to an exact, catalog-pinned snapshot.
func (c *Client) TableMetadataLocation(ctx context.Context, branch, tableName string) (string, error) {
	var out struct {
		Content struct {
			Metadata struct {
				MetadataLocation string `json:"metadataLocation"`
			} `json:"metadata"`
		} `json:"content"`
	}
	var callErr error
	retryErr := c.withRetry(ctx, func() error {
		path := fmt.Sprintf("/trees/%s/contents/%s?with-content=true", url.PathEscape(branch), url.PathEscape(tableName))
		err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
		callErr = err
		return err
	})
	if retryErr != nil {
		return "", callErr
	}
	return out.Content.Metadata.MetadataLocation, nil
}
