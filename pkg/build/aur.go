package build

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultAURURL is the remote source index.
	DefaultAURURL = "https://aur.archlinux.org"
	// DefaultAURTimeout bounds each metadata call.
	DefaultAURTimeout = 10 * time.Second

	maxRPCResponse = 16 * 1024 * 1024
)

// RemotePackage is one package's metadata from the remote index.
type RemotePackage struct {
	Name         string   `json:"Name"`
	PackageBase  string   `json:"PackageBase"`
	Version      string   `json:"Version"`
	Description  string   `json:"Description"`
	Depends      []string `json:"Depends"`
	MakeDepends  []string `json:"MakeDepends"`
	CheckDepends []string `json:"CheckDepends"`
	Provides     []string `json:"Provides"`
	OutOfDate    *int64   `json:"OutOfDate"`
}

// AllDepends returns run-time, build-time and check dependencies in order.
func (p RemotePackage) AllDepends() []string {
	out := make([]string, 0, len(p.Depends)+len(p.MakeDepends)+len(p.CheckDepends))
	out = append(out, p.Depends...)
	out = append(out, p.MakeDepends...)
	out = append(out, p.CheckDepends...)
	return out
}

// RemoteIndex looks up package metadata.
type RemoteIndex interface {
	Info(ctx context.Context, names ...string) ([]RemotePackage, error)
}

// AURClient talks to the AUR RPC interface.
type AURClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewAURClient creates a client with the default metadata timeout.
func NewAURClient(baseURL string) *AURClient {
	if baseURL == "" {
		baseURL = DefaultAURURL
	}
	return &AURClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: DefaultAURTimeout},
	}
}

type rpcResponse struct {
	Type        string          `json:"type"`
	ResultCount int             `json:"resultcount"`
	Results     []RemotePackage `json:"results"`
	Error       string          `json:"error"`
}

// Info returns metadata for the named packages. Unknown names are absent
// from the result.
func (c *AURClient) Info(ctx context.Context, names ...string) ([]RemotePackage, error) {
	if len(names) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, n := range names {
		q.Add("arg[]", n)
	}
	return c.call(ctx, "/rpc/v5/info?"+q.Encode())
}

// Search returns packages whose name or description matches query.
func (c *AURClient) Search(ctx context.Context, query string) ([]RemotePackage, error) {
	return c.call(ctx, "/rpc/v5/search/"+url.PathEscape(query)+"?by=name-desc")
}

// CloneURL returns the git URL of a package base.
func (c *AURClient) CloneURL(base string) string {
	return c.BaseURL + "/" + url.PathEscape(base) + ".git"
}

func (c *AURClient) call(ctx context.Context, path string) ([]RemotePackage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("index request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read index response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index returned %s", resp.Status)
	}

	var out rpcResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode index response: %w", err)
	}
	if out.Type == "error" || out.Error != "" {
		return nil, fmt.Errorf("index error: %s", out.Error)
	}
	return out.Results, nil
}
