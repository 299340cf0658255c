// Package versioned wraps the external LakeFS-shaped object store that
// provides branching, commit-oriented repositories, per spec.md §4.4.
// The core never trusts this collaborator for authorship or quota —
// those stay in the registry.
package versioned

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ObjectStats mirrors the store's ObjectStats shape.
type ObjectStats struct {
	Path            string `json:"path"`
	PathType        string `json:"path_type"` // object | common_prefix
	PhysicalAddress string `json:"physical_address"`
	Checksum        string `json:"checksum"`
	SizeBytes       int64  `json:"size_bytes"`
	Mtime           int64  `json:"mtime"`
	ContentType     string `json:"content_type"`
}

// ListObjectsResult is a single page of a listing.
type ListObjectsResult struct {
	Results    []ObjectStats `json:"results"`
	Pagination struct {
		HasMore    bool   `json:"has_more"`
		NextOffset string `json:"next_offset"`
	} `json:"pagination"`
}

// Commit mirrors the store's commit metadata.
type Commit struct {
	ID            string            `json:"id"`
	Parents       []string          `json:"parents"`
	CreationDate  int64             `json:"creation_date"`
	Message       string            `json:"message"`
	MetaRangeID   string            `json:"meta_range_id"`
	Metadata      map[string]string `json:"metadata"`
}

// Branch mirrors the store's ref/branch response.
type Branch struct {
	ID       string `json:"id"`
	CommitID string `json:"commit_id"`
}

// Client is a thin HTTP client over the LakeFS-compatible REST API,
// translated line-for-line from the Python LakeFSRestClient (basic auth,
// one shared *http.Client with a per-call context timeout, JSON or
// octet-stream bodies).
type Client struct {
	baseURL    string
	accessKey  string
	secretKey  string
	httpClient *http.Client
}

// Config carries the `lakefs.*` configuration namespace.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
}

// New builds a Client against the configured LakeFS-compatible endpoint.
func New(cfg Config) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("%s/api/v1", trimSlash(cfg.Endpoint)),
		accessKey:  cfg.AccessKey,
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{},
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, query url.Values, body []byte, contentType string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, err
	}
	req.SetBasicAuth(c.accessKey, c.secretKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		return respBody, resp.StatusCode, fmt.Errorf("versioned store %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, resp.StatusCode, nil
}

// IsNotFound reports whether err represents a 404 from the store,
// the boolean helper spec.md §9 asks for instead of exception matching.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

// StatusError carries the HTTP status the store responded with.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %s", e.Status, e.Body) }

func (c *Client) doStatus(ctx context.Context, timeout time.Duration, method, path string, query url.Values, body []byte, contentType string) ([]byte, error) {
	respBody, status, err := c.do(ctx, timeout, method, path, query, body, contentType)
	if err != nil {
		if status >= 400 {
			return nil, &StatusError{Status: status, Body: string(respBody)}
		}
		return nil, err
	}
	return respBody, nil
}

// CreateRepository provisions a new versioned-store repository.
func (c *Client) CreateRepository(ctx context.Context, name, storageNamespace, defaultBranch string) error {
	payload, _ := json.Marshal(map[string]string{
		"name": name, "storage_namespace": storageNamespace, "default_branch": defaultBranch,
	})
	_, err := c.doStatus(ctx, 30*time.Second, http.MethodPost, "/repositories", nil, payload, "application/json")
	return err
}

// DeleteRepository removes a repository; 404 is treated as already-gone
// by the caller via IsNotFound.
func (c *Client) DeleteRepository(ctx context.Context, name string, force bool) error {
	q := url.Values{"force": {strconv.FormatBool(force)}}
	_, err := c.doStatus(ctx, 30*time.Second, http.MethodDelete, "/repositories/"+name, q, nil, "")
	return err
}

// GetBranch fetches the current commit id of a branch.
func (c *Client) GetBranch(ctx context.Context, repo, branch string) (*Branch, error) {
	body, err := c.doStatus(ctx, 30*time.Second, http.MethodGet, "/repositories/"+repo+"/branches/"+branch, nil, nil, "")
	if err != nil {
		return nil, err
	}
	var b Branch
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decode branch: %w", err)
	}
	return &b, nil
}

// CreateBranch creates a branch pointing at source.
func (c *Client) CreateBranch(ctx context.Context, repo, name, source string) error {
	payload, _ := json.Marshal(map[string]string{"name": name, "source": source})
	_, err := c.doStatus(ctx, 30*time.Second, http.MethodPost, "/repositories/"+repo+"/branches", nil, payload, "application/json")
	return err
}

// DeleteBranch removes a branch.
func (c *Client) DeleteBranch(ctx context.Context, repo, branch string, force bool) error {
	q := url.Values{"force": {strconv.FormatBool(force)}}
	_, err := c.doStatus(ctx, 30*time.Second, http.MethodDelete, "/repositories/"+repo+"/branches/"+branch, q, nil, "")
	return err
}

// StatObject fetches object metadata at a path on a ref.
func (c *Client) StatObject(ctx context.Context, repo, ref, path string) (*ObjectStats, error) {
	q := url.Values{"path": {path}, "user_metadata": {"true"}}
	body, err := c.doStatus(ctx, 30*time.Second, http.MethodGet, "/repositories/"+repo+"/refs/"+ref+"/objects/stat", q, nil, "")
	if err != nil {
		return nil, err
	}
	var s ObjectStats
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode object stats: %w", err)
	}
	return &s, nil
}

// ListObjects lists objects under a prefix with pagination.
func (c *Client) ListObjects(ctx context.Context, repo, ref, prefix, delimiter, after string, amount int) (*ListObjectsResult, error) {
	if amount <= 0 {
		amount = 1000
	}
	q := url.Values{"prefix": {prefix}, "after": {after}, "amount": {strconv.Itoa(amount)}}
	if delimiter != "" {
		q.Set("delimiter", delimiter)
	}
	body, err := c.doStatus(ctx, 60*time.Second, http.MethodGet, "/repositories/"+repo+"/refs/"+ref+"/objects/ls", q, nil, "")
	if err != nil {
		return nil, err
	}
	var out ListObjectsResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode list objects: %w", err)
	}
	return &out, nil
}

// GetObject fetches raw object content, optionally a byte range.
func (c *Client) GetObject(ctx context.Context, repo, ref, path, rangeHeader string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	q := url.Values{"path": {path}}
	u := c.baseURL + "/repositories/" + repo + "/refs/" + ref + "/objects?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accessKey, c.secretKey)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// UploadObject uploads content directly to a path on a branch.
func (c *Client) UploadObject(ctx context.Context, repo, branch, path string, content []byte, force bool) (*ObjectStats, error) {
	q := url.Values{"path": {path}, "force": {strconv.FormatBool(force)}}
	body, err := c.doStatus(ctx, 60*time.Second, http.MethodPost, "/repositories/"+repo+"/branches/"+branch+"/objects", q, content, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	var s ObjectStats
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode upload result: %w", err)
	}
	return &s, nil
}

// DeleteObject removes an object from a branch.
func (c *Client) DeleteObject(ctx context.Context, repo, branch, path string, force bool) error {
	q := url.Values{"path": {path}, "force": {strconv.FormatBool(force)}}
	_, err := c.doStatus(ctx, 30*time.Second, http.MethodDelete, "/repositories/"+repo+"/branches/"+branch+"/objects", q, nil, "")
	return err
}

// LinkPhysicalAddress attaches an externally uploaded blob to a logical
// path without copying its bytes, the mechanism LFS promotion uses.
func (c *Client) LinkPhysicalAddress(ctx context.Context, repo, branch, path, physicalAddress, checksum string, sizeBytes int64) (*ObjectStats, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"physical_address": physicalAddress,
		"checksum":          checksum,
		"size_bytes":        sizeBytes,
	})
	q := url.Values{"path": {path}}
	body, err := c.doStatus(ctx, 30*time.Second, http.MethodPut, "/repositories/"+repo+"/branches/"+branch+"/staging/backing", q, payload, "application/json")
	if err != nil {
		return nil, err
	}
	var s ObjectStats
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode link result: %w", err)
	}
	return &s, nil
}

// Commit creates a commit on a branch with the given message and metadata.
func (c *Client) Commit(ctx context.Context, repo, branch, message string, metadata map[string]string) (*Commit, error) {
	payload, _ := json.Marshal(map[string]interface{}{"message": message, "metadata": metadata})
	body, err := c.doStatus(ctx, 30*time.Second, http.MethodPost, "/repositories/"+repo+"/branches/"+branch+"/commits", nil, payload, "application/json")
	if err != nil {
		return nil, err
	}
	var cm Commit
	if err := json.Unmarshal(body, &cm); err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}
	return &cm, nil
}

// GetCommit fetches a single commit by id.
func (c *Client) GetCommit(ctx context.Context, repo, commitID string) (*Commit, error) {
	body, err := c.doStatus(ctx, 30*time.Second, http.MethodGet, "/repositories/"+repo+"/commits/"+commitID, nil, nil, "")
	if err != nil {
		return nil, err
	}
	var cm Commit
	if err := json.Unmarshal(body, &cm); err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}
	return &cm, nil
}

// LogCommits lists the commit history of a ref.
func (c *Client) LogCommits(ctx context.Context, repo, ref, after string, amount int) ([]Commit, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	if amount > 0 {
		q.Set("amount", strconv.Itoa(amount))
	}
	body, err := c.doStatus(ctx, 30*time.Second, http.MethodGet, "/repositories/"+repo+"/refs/"+ref+"/commits", q, nil, "")
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []Commit `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode log: %w", err)
	}
	return out.Results, nil
}

// DiffRefs diffs two refs, returning raw JSON (the registry core does
// not currently interpret diff entries beyond passthrough).
func (c *Client) DiffRefs(ctx context.Context, repo, left, right, after string, amount int) (json.RawMessage, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	if amount > 0 {
		q.Set("amount", strconv.Itoa(amount))
	}
	return c.doStatus(ctx, 30*time.Second, http.MethodGet, "/repositories/"+repo+"/refs/"+left+"/diff/"+right, q, nil, "")
}
