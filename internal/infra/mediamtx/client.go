// Package mediamtx provides a client for the MediaMTX control API and a
// stream factory for paths it serves.
package mediamtx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// ErrPathNotFound is returned when MediaMTX does not know a path.
var ErrPathNotFound = errors.New("mediamtx path not found")

// defaultItemsPerPage is the page size used when listing every path.
const defaultItemsPerPage = 100

// Client is a MediaMTX control API client.
type Client struct {
	baseURL    string
	cacheTTL   time.Duration
	httpClient *http.Client

	// Cache for the full path list
	cacheMu   sync.RWMutex
	paths     []PathInfo
	expiresAt time.Time
}

// Config represents MediaMTX client configuration.
type Config struct {
	APIURL   string        // e.g. http://127.0.0.1:9997
	CacheTTL time.Duration // 0 disables caching
	Timeout  time.Duration // HTTP timeout (default 10s)
}

// PathSource describes what publishes into a path.
type PathSource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PathReader describes a reader of a path.
type PathReader struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PathInfo represents a path served by MediaMTX.
type PathInfo struct {
	Name          string       `json:"name"`
	ConfName      string       `json:"confName"`
	Source        *PathSource  `json:"source"`
	Ready         bool         `json:"ready"`
	ReadyTime     *time.Time   `json:"readyTime"`
	Tracks        []string     `json:"tracks"`
	BytesReceived uint64       `json:"bytesReceived"`
	BytesSent     uint64       `json:"bytesSent"`
	Readers       []PathReader `json:"readers"`
}

// SourceType returns the source type, or "" when nothing publishes.
func (p PathInfo) SourceType() string {
	if p.Source == nil {
		return ""
	}
	return p.Source.Type
}

// PathList represents one page of the paths/list response.
type PathList struct {
	ItemCount int        `json:"itemCount"`
	PageCount int        `json:"pageCount"`
	Items     []PathInfo `json:"items"`
}

// APIError represents an error response from the MediaMTX API.
type APIError struct {
	Status  string `json:"status"`
	Message string `json:"error"`
}

// New creates a new MediaMTX client.
func New(cfg Config) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.New("mediamtx API URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.APIURL); err != nil {
		return nil, errors.Wrapf(err, "invalid mediamtx API URL %q", cfg.APIURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.APIURL, "/") + "/v3/",
		cacheTTL:   cfg.CacheTTL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ListPaths retrieves one page of paths. Pages are zero-based.
// Reference: https://bluenviron.github.io/mediamtx/#operation/pathsList
func (c *Client) ListPaths(ctx context.Context, page, itemsPerPage int) (*PathList, error) {
	if page < 0 {
		page = 0
	}
	if itemsPerPage <= 0 {
		itemsPerPage = defaultItemsPerPage
	}

	params := url.Values{}
	params.Set("page", fmt.Sprintf("%d", page))
	params.Set("itemsPerPage", fmt.Sprintf("%d", itemsPerPage))

	var list PathList
	if err := c.get(ctx, "paths/list?"+params.Encode(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// AllPaths retrieves every path, following pagination. Results are cached
// for the configured TTL.
func (c *Client) AllPaths(ctx context.Context) ([]PathInfo, error) {
	c.cacheMu.RLock()
	if c.cacheTTL > 0 && time.Now().Before(c.expiresAt) {
		paths := c.paths
		c.cacheMu.RUnlock()
		zlog.Debug().Msgf("mediamtx: using cached path list: count=%d", len(paths))
		return paths, nil
	}
	c.cacheMu.RUnlock()

	var paths []PathInfo
	for page := 0; ; page++ {
		list, err := c.ListPaths(ctx, page, defaultItemsPerPage)
		if err != nil {
			return nil, err
		}
		paths = append(paths, list.Items...)
		if page+1 >= list.PageCount || len(list.Items) == 0 {
			break
		}
	}

	if c.cacheTTL > 0 {
		c.cacheMu.Lock()
		c.paths = paths
		c.expiresAt = time.Now().Add(c.cacheTTL)
		c.cacheMu.Unlock()
		zlog.Debug().Msgf("mediamtx: cached path list: count=%d", len(paths))
	}
	return paths, nil
}

// GetPath retrieves a single path. It always queries the server.
// Reference: https://bluenviron.github.io/mediamtx/#operation/pathsGet
func (c *Client) GetPath(ctx context.Context, name string) (*PathInfo, error) {
	name = strings.Trim(name, "/")
	if name == "" {
		return nil, errors.New("path name is required")
	}

	var info PathInfo
	if err := c.get(ctx, "paths/get/"+name, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(ErrPathNotFound, "GET %s", endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		var apiError APIError
		if err := json.Unmarshal(body, &apiError); err == nil && apiError.Message != "" {
			return errors.Newf("mediamtx API error %d: %s", resp.StatusCode, apiError.Message)
		}
		return errors.Newf("mediamtx API error %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "failed to parse response")
	}
	return nil
}
