package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/errors"
)

const requestTimeout = 30 * time.Second

// HTTPSource is the upstream telemetry API client. The API paginates
// with opaque cursors and authenticates with a bearer token.
type HTTPSource struct {
	baseURL  string
	token    string
	pageSize int
	client   *http.Client
}

// NewHTTPSource builds a source client from ingest configuration.
func NewHTTPSource(cfg config.IngestConfig) *HTTPSource {
	return &HTTPSource{
		baseURL:  cfg.SourceURL,
		token:    cfg.APIToken,
		pageSize: cfg.PageSize,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

type sitesResponse struct {
	Sites []struct {
		Name string `json:"name"`
	} `json:"sites"`
}

// Sites lists the site names available upstream.
func (h *HTTPSource) Sites(ctx context.Context) ([]string, error) {
	var resp sitesResponse
	if err := h.get(ctx, h.baseURL+"/sites", nil, &resp); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Sites))
	for _, site := range resp.Sites {
		if site.Name != "" {
			names = append(names, site.Name)
		}
	}
	return names, nil
}

type pageResponse struct {
	Samples    []RawRecord `json:"point_samples"`
	NextCursor string      `json:"next_cursor"`
}

// FetchPage returns one page of records for a site and window.
func (h *HTTPSource) FetchPage(ctx context.Context, site string, w Window, cursor string) (Page, error) {
	params := url.Values{}
	params.Set("start_time", w.Start.UTC().Format(time.RFC3339))
	params.Set("end_time", w.End.UTC().Format(time.RFC3339))
	params.Set("page_size", strconv.Itoa(h.pageSize))
	params.Set("raw_data", "true")
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	endpoint := fmt.Sprintf("%s/sites/%s/timeseries/paginated", h.baseURL, url.PathEscape(site))

	var resp pageResponse
	if err := h.get(ctx, endpoint, params, &resp); err != nil {
		return Page{}, err
	}
	return Page{Records: resp.Samples, NextCursor: resp.NextCursor}, nil
}

func (h *HTTPSource) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "upstream request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return errors.Wrapf(errors.ErrConnectionFailed,
			"upstream status %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode upstream response")
	}
	return nil
}
