package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/elternzeit/happenings-cli/internal/resilience"
)

const (
	defaultUserAgent   = "happenings-cli/1.0 (+https://elternzeit.ch)"
	defaultFeedTimeout = 30 * time.Second
	maxFeedBytes       = 32 << 20
)

// JSONFeedAdapter fetches sources that publish their events as a JSON
// array of records in our record shape. Municipal portals that expose
// a structured export land here. When page_size is set the feed is
// read page by page (page/per_page query params) until a short page.
type JSONFeedAdapter struct {
	client    *http.Client
	userAgent string
}

func NewJSONFeedAdapter() *JSONFeedAdapter {
	return &JSONFeedAdapter{
		client:    &http.Client{Timeout: defaultFeedTimeout},
		userAgent: defaultUserAgent,
	}
}

func (a *JSONFeedAdapter) Fetch(ctx context.Context, cfg SourceConfig, limiter *rate.Limiter) ([]RawRecord, error) {
	if cfg.PageSize <= 0 {
		if err := limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "jsonfeed: rate wait")
		}
		return a.fetchPage(ctx, cfg.URL)
	}

	var all []RawRecord
	for page := 1; ; page++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "jsonfeed: rate wait")
		}
		records, err := a.fetchPage(ctx, pageURL(cfg.URL, page, cfg.PageSize))
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if len(records) < cfg.PageSize {
			return all, nil
		}
	}
}

func (a *JSONFeedAdapter) fetchPage(ctx context.Context, feedURL string) ([]RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "jsonfeed: build request %s", feedURL)
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "jsonfeed: fetch %s", feedURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("jsonfeed: %s returned status %d", feedURL, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewTransientError(err)
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "jsonfeed: read body %s", feedURL))
	}

	var records []RawRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, eris.Wrapf(err, "jsonfeed: decode %s", feedURL)
	}
	return records, nil
}

func pageURL(feedURL string, page, perPage int) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	u.RawQuery = q.Encode()
	return u.String()
}
