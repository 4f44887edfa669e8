package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Project is the metadata record the collaboration service keeps for
// each workspace.
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	WorkDir    string `json:"work_dir"`
	PreviewURL string `json:"preview_url"`
}

// Settings are per-project agent preferences. They change rarely, so
// reads go through a short TTL cache.
type Settings struct {
	ProjectID       string `json:"project_id"`
	DefaultProvider string `json:"default_provider"`
	DefaultModel    string `json:"default_model"`
	AutoBranch      bool   `json:"auto_branch"`
}

var ErrProjectNotFound = errors.New("project not found")

// Client talks to the collaboration service over HTTP. A zero base URL
// disables the integration; callers should use Enabled before relying
// on it.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	settings *gocache.Cache
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithSettingsTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.settings = gocache.New(ttl, 2*ttl)
		}
	}
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 10 * time.Second},
		settings: gocache.New(5*time.Minute, 10*time.Minute),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// Project fetches one project record.
func (c *Client) Project(ctx context.Context, id string) (Project, error) {
	var proj Project
	if err := c.getJSON(ctx, "/api/projects/"+url.PathEscape(id), &proj); err != nil {
		return Project{}, err
	}
	return proj, nil
}

// Settings returns the project's agent settings, served from cache
// within the TTL.
func (c *Client) Settings(ctx context.Context, projectID string) (Settings, error) {
	if cached, ok := c.settings.Get(projectID); ok {
		return cached.(Settings), nil
	}
	var s Settings
	if err := c.getJSON(ctx, "/api/projects/"+url.PathEscape(projectID)+"/settings", &s); err != nil {
		return Settings{}, err
	}
	c.settings.SetDefault(projectID, s)
	return s, nil
}

// InvalidateSettings drops the cached settings so the next read goes
// to the service. Called after a local settings write.
func (c *Client) InvalidateSettings(projectID string) {
	c.settings.Delete(projectID)
}

// ReportPreview notifies the service that a project's preview deploy
// succeeded or failed. Best-effort: the push channel already carried
// the result to viewers.
func (c *Client) ReportPreview(ctx context.Context, projectID string, ok bool, detail string) error {
	body := map[string]any{"ok": ok, "detail": detail}
	return c.postJSON(ctx, "/api/projects/"+url.PathEscape(projectID)+"/preview", body)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("collab request: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrProjectNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("collab responded %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode collab response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("collab request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("collab responded %d for %s", resp.StatusCode, path)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
