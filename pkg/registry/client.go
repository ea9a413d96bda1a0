// Package registry fetches tool manifests and artifacts from a remote
// tool market served over HTTP.
//
// The registry layout mirrors a raw file host: each tool lives under
// {base}/tools/{name}/ with a manifest.json describing the tool and the
// artifact file named by the manifest.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kadirpekel/mcpchat/pkg/httpclient"
)

// EnvVarSpec declares an environment variable a tool requires at launch.
type EnvVarSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Manifest describes a tool as published in the tool market.
type Manifest struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Transport    string       `json:"transport"`
	File         string       `json:"file"`
	Dependencies []string     `json:"dependencies"`
	EnvVars      []EnvVarSpec `json:"env_vars"`
	URL          string       `json:"url,omitempty"`
}

// Supported transport values.
const (
	TransportStdio  = "stdio"
	TransportRemote = "sse"
)

// Validate checks the fields required to materialize the tool.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest is missing name")
	}
	switch m.Transport {
	case TransportStdio:
		if m.File == "" {
			return fmt.Errorf("stdio manifest for %q is missing file", m.Name)
		}
	case TransportRemote:
		if m.URL == "" {
			return fmt.Errorf("sse manifest for %q is missing url", m.Name)
		}
	default:
		return fmt.Errorf("manifest for %q has unsupported transport %q", m.Name, m.Transport)
	}
	return nil
}

// Client fetches manifests and artifacts from a tool market.
//
// Requests are not retried: a failed tool is skipped by the caller and
// surfaced to the user, and a retry loop would stall agent initialization.
type Client struct {
	httpClient *httpclient.Client
	token      string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets a bearer token sent with every request, for private markets.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *httpclient.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a registry client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// manifestURL builds the manifest location for a tool under a market base URL.
func manifestURL(baseURL, tool string) string {
	return fmt.Sprintf("%s/tools/%s/manifest.json", strings.TrimRight(baseURL, "/"), tool)
}

// artifactURL builds an artifact location for a tool under a market base URL.
func artifactURL(baseURL, tool, file string) string {
	return fmt.Sprintf("%s/tools/%s/%s", strings.TrimRight(baseURL, "/"), tool, file)
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// The retry client reports non-2xx statuses as errors alongside the
	// response. Callers here inspect the status code themselves.
	resp, err := c.httpClient.Do(req)
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

// FetchManifest retrieves and validates the manifest for a tool.
func (c *Client) FetchManifest(ctx context.Context, baseURL, tool string) (*Manifest, error) {
	url := manifestURL(baseURL, tool)

	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, &RegistryError{Tool: tool, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &RegistryError{Tool: tool, URL: url, StatusCode: resp.StatusCode}
	}

	var manifest Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, &RegistryError{Tool: tool, URL: url, Err: fmt.Errorf("invalid manifest: %w", err)}
	}

	if err := manifest.Validate(); err != nil {
		return nil, &RegistryError{Tool: tool, URL: url, Err: err}
	}

	return &manifest, nil
}

// DownloadArtifact fetches an artifact file into destPath, creating the
// destination directory if absent, and returns the hex-encoded SHA-256
// checksum of the downloaded bytes.
func (c *Client) DownloadArtifact(ctx context.Context, baseURL, tool, file, destPath string) (string, error) {
	url := artifactURL(baseURL, tool, file)

	resp, err := c.get(ctx, url)
	if err != nil {
		return "", &DownloadError{Tool: tool, File: file, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &DownloadError{Tool: tool, File: file, Err: fmt.Errorf("%s returned status %d", url, resp.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", &DownloadError{Tool: tool, File: file, Err: err}
	}

	out, err := os.Create(filepath.Clean(destPath))
	if err != nil {
		return "", &DownloadError{Tool: tool, File: file, Err: err}
	}
	defer out.Close()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hasher), resp.Body); err != nil {
		return "", &DownloadError{Tool: tool, File: file, Err: err}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
