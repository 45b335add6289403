// Package apify starts ad-library scrape runs on Apify and reads back their
// datasets. Completion is reported through an ad-hoc webhook rather than by
// polling the run.
package apify

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultBaseURL is the public Apify API root.
const DefaultBaseURL = "https://api.apify.com/v2"

// Event types the callback is registered for.
const (
	EventSucceeded = "ACTOR.RUN.SUCCEEDED"
	EventFailed    = "ACTOR.RUN.FAILED"
	EventAborted   = "ACTOR.RUN.ABORTED"
	EventTimedOut  = "ACTOR.RUN.TIMED_OUT"
)

// maxErrorBody bounds how much of an error response is echoed into errors.
const maxErrorBody = 2048

// Config configures the client.
type Config struct {
	BaseURL     string
	Token       string
	ActorID     string
	CallbackURL string
	Timeout     time.Duration
}

// RunRequest describes one scrape.
type RunRequest struct {
	JobID    string
	Keyword  string
	MaxItems int
}

// Run is the provider's acknowledgement of a started run.
type Run struct {
	ID        string
	DatasetID string
	Status    string
}

// Client talks to the Apify REST API.
type Client struct {
	cfg    Config
	client *http.Client
}

// New validates cfg and builds a Client. A nil httpClient gets a default.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("apify: token is required")
	}
	if cfg.ActorID == "" {
		return nil, errors.New("apify: actor id is required")
	}
	if cfg.CallbackURL == "" {
		return nil, errors.New("apify: callback url is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{cfg: cfg, client: httpClient}, nil
}

// StartRun launches the actor with an ad-hoc webhook pointing back at the
// callback URL. It returns as soon as the run is accepted.
func (c *Client) StartRun(ctx context.Context, req RunRequest) (Run, error) {
	if req.JobID == "" || req.Keyword == "" {
		return Run{}, errors.New("apify: job id and keyword are required")
	}
	body, err := json.Marshal(runInput(req))
	if err != nil {
		return Run{}, fmt.Errorf("apify: encode input: %w", err)
	}
	hooks, err := c.webhooks(req.JobID)
	if err != nil {
		return Run{}, err
	}

	q := url.Values{}
	q.Set("token", c.cfg.Token)
	q.Set("webhooks", hooks)
	endpoint := fmt.Sprintf("%s/acts/%s/runs?%s", c.cfg.BaseURL, url.PathEscape(c.cfg.ActorID), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Run{}, fmt.Errorf("apify: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Run{}, fmt.Errorf("apify: start run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return Run{}, statusError("start run", resp)
	}

	var out struct {
		Data struct {
			ID               string `json:"id"`
			DefaultDatasetID string `json:"defaultDatasetId"`
			Status           string `json:"status"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Run{}, fmt.Errorf("apify: decode run: %w", err)
	}
	if out.Data.ID == "" {
		return Run{}, errors.New("apify: run response missing id")
	}
	return Run{ID: out.Data.ID, DatasetID: out.Data.DefaultDatasetID, Status: out.Data.Status}, nil
}

// FetchItems returns the dataset as a raw JSON array.
func (c *Client) FetchItems(ctx context.Context, datasetID string) ([]byte, error) {
	if datasetID == "" {
		return nil, errors.New("apify: dataset id is required")
	}
	q := url.Values{}
	q.Set("token", c.cfg.Token)
	q.Set("clean", "true")
	q.Set("format", "json")
	endpoint := fmt.Sprintf("%s/datasets/%s/items?%s", c.cfg.BaseURL, url.PathEscape(datasetID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("apify: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apify: fetch dataset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch dataset", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("apify: read dataset: %w", err)
	}
	return data, nil
}

func runInput(req RunRequest) map[string]any {
	q := url.Values{}
	q.Set("active_status", "active")
	q.Set("ad_type", "all")
	q.Set("country", "ALL")
	q.Set("q", req.Keyword)
	q.Set("search_type", "keyword_unordered")
	q.Set("media_type", "all")
	count := req.MaxItems
	if count <= 0 {
		count = 1
	}
	return map[string]any{
		"urls":            []map[string]string{{"url": "https://www.facebook.com/ads/library/?" + q.Encode()}},
		"count":           count,
		"scrapeAdDetails": false,
	}
}

// webhooks encodes the ad-hoc webhook definition. The payload template is
// Apify's own syntax: {{var}} placeholders are substituted unquoted.
func (c *Client) webhooks(jobID string) (string, error) {
	jobIDJSON, err := json.Marshal(jobID)
	if err != nil {
		return "", fmt.Errorf("apify: encode job id: %w", err)
	}
	template := `{"jobId":` + string(jobIDJSON) +
		`,"eventType":{{eventType}},"createdAt":{{createdAt}},"eventData":{{eventData}},"resource":{{resource}}}`
	defs := []map[string]any{{
		"eventTypes":      []string{EventSucceeded, EventFailed, EventAborted, EventTimedOut},
		"requestUrl":      c.cfg.CallbackURL,
		"payloadTemplate": template,
	}}
	raw, err := json.Marshal(defs)
	if err != nil {
		return "", fmt.Errorf("apify: encode webhooks: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("apify: %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}
