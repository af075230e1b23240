// Package epg talks to an EPGStation server for recording reservations,
// channel metadata, and recorded-program lookups. Reservation and channel
// listings are cached on disk so repeated pipeline passes do not hammer
// the server, and IsBusy/BusyWait gate I/O-heavy work against upcoming
// recordings.
package epg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	reservesCacheFile = "reserves.json"
	channelsCacheFile = "channels.json"

	defaultReservesTTL = 8 * time.Hour
	defaultGranularity = 30 * time.Second
	defaultBusyWindow  = 30 * time.Minute
)

// Client provides access to one EPGStation server.
type Client struct {
	baseURL     string
	cacheDir    string
	reservesTTL time.Duration
	granularity time.Duration
	httpClient  *http.Client

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	notBusyTill time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithReservesTTL overrides how long the cached reservation list stays
// fresh before it is refetched.
func WithReservesTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.reservesTTL = ttl
		}
	}
}

// WithGranularity overrides the busy-wait poll interval.
func WithGranularity(granularity time.Duration) Option {
	return func(c *Client) {
		if granularity > 0 {
			c.granularity = granularity
		}
	}
}

// WithClock overrides the time source. Tests use this to simulate
// busy/not-busy transitions without real sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleep overrides the blocking sleep used by BusyWait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// New creates an EPGStation client caching under cacheDir.
func New(baseURL, cacheDir string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("epgstation base url required")
	}
	cacheDir = strings.TrimSpace(cacheDir)
	if cacheDir == "" {
		return nil, errors.New("epg cache dir required")
	}
	client := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		cacheDir:    cacheDir,
		reservesTTL: defaultReservesTTL,
		granularity: defaultGranularity,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reserves returns the current reservation list. The list is cached on
// disk and refetched after the TTL elapses.
func (c *Client) Reserves(ctx context.Context) ([]Reserve, error) {
	cachePath := filepath.Join(c.cacheDir, reservesCacheFile)
	if info, err := os.Stat(cachePath); err == nil {
		if c.now().Sub(info.ModTime()) > c.reservesTTL {
			_ = os.Remove(cachePath)
		}
	}
	data, err := os.ReadFile(cachePath)
	if err != nil {
		data, err = c.get(ctx, "/api/reserves", url.Values{"isHalfWidth": {"true"}})
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create epg cache dir: %w", err)
		}
		if err := os.WriteFile(cachePath, data, 0o644); err != nil {
			return nil, fmt.Errorf("cache reserves: %w", err)
		}
	}
	var payload reservesResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode reserves: %w", err)
	}
	return payload.Reserves, nil
}

// Channels returns the channel list, cached on first fetch.
func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	cachePath := filepath.Join(c.cacheDir, channelsCacheFile)
	data, err := os.ReadFile(cachePath)
	if err != nil {
		data, err = c.get(ctx, "/api/channels", nil)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create epg cache dir: %w", err)
		}
		if err := os.WriteFile(cachePath, data, 0o644); err != nil {
			return nil, fmt.Errorf("cache channels: %w", err)
		}
	}
	var channels []Channel
	if err := json.Unmarshal(data, &channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	return channels, nil
}

// Keywords returns the search keywords of all normal recording rules.
// Categorization matches recorded filenames against these.
func (c *Client) Keywords(ctx context.Context) ([]string, error) {
	data, err := c.get(ctx, "/api/rules", url.Values{
		"offset":      {"0"},
		"limit":       {"99"},
		"type":        {"normal"},
		"isHalfWidth": {"true"},
	})
	if err != nil {
		return nil, err
	}
	var payload rulesResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	keywords := make([]string, 0, len(payload.Rules))
	for _, rule := range payload.Rules {
		if keyword := strings.TrimSpace(rule.SearchOption.Keyword); keyword != "" {
			keywords = append(keywords, keyword)
		}
	}
	return keywords, nil
}

// Recorded looks up the EPG record for a recorded file. The recorder
// names files <timestamp>-<title>.ts, so the search keyword is the stem
// past the first hyphen; the match is confirmed by filename containment.
func (c *Client) Recorded(ctx context.Context, path string) (*RecordedProgram, error) {
	stem := stemOf(path)
	keyword := stem
	if idx := strings.Index(stem, "-"); idx >= 0 {
		keyword = stem[idx+1:]
	}
	data, err := c.get(ctx, "/api/recorded", url.Values{
		"isHalfWidth": {"true"},
		"limit":       {"24"},
		"keyword":     {keyword},
	})
	if err != nil {
		return nil, err
	}
	var payload recordedResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode recorded: %w", err)
	}
	for i, record := range payload.Records {
		for _, file := range record.VideoFiles {
			name, err := url.QueryUnescape(file.Filename)
			if err != nil {
				name = file.Filename
			}
			if strings.Contains(stem, stemOf(name)) {
				return &payload.Records[i], nil
			}
		}
	}
	return nil, nil
}

// IsBusy reports whether any active reservation overlaps [at, at+duration].
// Overlapping and skipped reservations do not count.
func (c *Client) IsBusy(ctx context.Context, at time.Time, duration time.Duration) (bool, error) {
	if at.IsZero() {
		at = c.now()
	}
	if duration <= 0 {
		duration = defaultBusyWindow
	}
	reserves, err := c.Reserves(ctx)
	if err != nil {
		return false, err
	}
	end := at.Add(duration)
	for _, item := range reserves {
		if item.IsOverlap || item.IsSkip {
			continue
		}
		startAt := time.UnixMilli(item.StartAt)
		endAt := time.UnixMilli(item.EndAt)
		if within(at, startAt, endAt) || within(end, startAt, endAt) {
			return true, nil
		}
	}
	return false, nil
}

func within(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

// BusyWait blocks until no reservation conflicts with the near future.
// A successful wait is cached for one granularity window so back-to-back
// callers do not re-poll the server.
func (c *Client) BusyWait(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.notBusyTill.IsZero() && c.now().Before(c.notBusyTill) {
		return nil
	}
	window := 2 * c.granularity
	for {
		busy, err := c.IsBusy(ctx, c.now(), window)
		if err != nil {
			return err
		}
		if !busy {
			break
		}
		if err := c.sleep(ctx, window); err != nil {
			return err
		}
	}
	c.notBusyTill = c.now().Add(c.granularity)
	return nil
}

// Description renders a human-readable summary of a recorded program for
// the metadata sidecar placed next to encoded artifacts.
func (c *Client) Description(program RecordedProgram, channels []Channel) string {
	var b strings.Builder
	fmt.Fprintln(&b, program.Name)
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, program.Description)
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, program.Extended)
	fmt.Fprintln(&b)
	for _, channel := range channels {
		if channel.ID == program.ChannelID {
			fmt.Fprintln(&b, channel.Name)
			break
		}
	}
	start := time.UnixMilli(program.StartAt)
	minutes := float64(program.EndAt-program.StartAt) / 1000 / 60
	fmt.Fprintf(&b, "%s ~ %.0f mins\n", start.Format("2006-01-02 15:04 (Mon)"), minutes)
	return b.String()
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("parse epgstation url: %w", err)
	}
	if params != nil {
		endpoint.RawQuery = params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("epgstation %s returned %d", path, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
