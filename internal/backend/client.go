// Package backend wraps the remote analysis service: OAuth bootstrap, tweet
// search jobs, risk classification, stored-result retrieval, deletion, and
// the email notification. Everything real happens on the other side of these
// calls; this client only shapes requests and decodes responses.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"backcheck/internal/model"
)

// Client is a thin wrapper around the analysis service's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a client with sane defaults.
func NewClient(baseURL string, opts ...func(*Client)) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient overrides the internal HTTP client.
func WithHTTPClient(hc *http.Client) func(*Client) {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: api error %d: %s", e.Status, e.Detail)
}

// RateLimitError is the deletion endpoint's 429 response. RetryAfter is how
// long the backend wants us to hold off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("backend: rate limited, retry after %s", e.RetryAfter)
}

// LoginResponse carries the OAuth redirect target for the connect step.
type LoginResponse struct {
	SessionID        string `json:"session_id"`
	State            string `json:"state"`
	AuthorizationURL string `json:"authorization_url"`
}

// Login starts the OAuth flow and returns the redirect target.
func (c *Client) Login(ctx context.Context) (*LoginResponse, error) {
	var out LoginResponse
	if err := c.get(ctx, "/api/auth/login", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me fetches the connected account's profile.
func (c *Client) Me(ctx context.Context, sessionID string) (*model.Profile, error) {
	var out struct {
		User model.Profile `json:"user"`
	}
	q := url.Values{"session_id": {sessionID}}
	if err := c.get(ctx, "/api/auth/me", q, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// Estimate is the analysis-duration estimate for a session.
type Estimate struct {
	Raw string `json:"tiempo_estimado_total"`
}

// Humanize renders "≈1:02:03" as "1 hour, 2 minutes and 3 seconds". The
// approximation marker is dropped; unparseable input comes back unchanged.
func (e Estimate) Humanize() string {
	cleaned := strings.TrimSpace(strings.ReplaceAll(e.Raw, "≈", ""))
	parts := strings.Split(cleaned, ":")
	if len(parts) != 3 {
		return e.Raw
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	s, _ := strconv.Atoi(parts[2])

	var out []string
	if h > 0 {
		out = append(out, plural(h, "hour"))
	}
	if m > 0 {
		out = append(out, plural(m, "minute"))
	}
	if s > 0 {
		out = append(out, plural(s, "second"))
	}
	switch len(out) {
	case 0:
		return e.Raw
	case 1:
		return out[0]
	default:
		return strings.Join(out[:len(out)-1], ", ") + " and " + out[len(out)-1]
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// EstimateTime asks for the expected total analysis duration.
func (c *Client) EstimateTime(ctx context.Context, sessionID string) (Estimate, error) {
	var out Estimate
	q := url.Values{"session_id": {sessionID}}
	if err := c.get(ctx, "/api/estimate/time", q, &out); err != nil {
		return Estimate{}, err
	}
	return out, nil
}

// StartSearch kicks off the asynchronous tweet-search job and returns its id.
func (c *Client) StartSearch(ctx context.Context, sessionID string, maxTweets int) (string, error) {
	body := map[string]any{
		"max_tweets":       nil,
		"save_to_firebase": true,
	}
	if maxTweets > 0 {
		body["max_tweets"] = maxTweets
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	q := url.Values{"session_id": {sessionID}}
	if err := c.post(ctx, "/api/tweets/search", q, body, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("backend: search response carried no job id")
	}
	return out.JobID, nil
}

// JobStatus is one poll of the search job.
type JobStatus struct {
	Status      string     `json:"status"`
	TotalTweets int        `json:"total_tweets"`
	CurrentPage int        `json:"current_page"`
	Message     string     `json:"message"`
	WaitUntil   string     `json:"wait_until,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
}

// JobResult is the terminal payload of a completed search job.
type JobResult struct {
	DocID  string            `json:"firebase_doc_id"`
	Tweets []json.RawMessage `json:"tweets"`
}

// Terminal reports whether polling should stop.
func (s JobStatus) Terminal() bool {
	return s.Status == "completed" || s.Status == "error"
}

// PollJob fetches the current status of a search job.
func (c *Client) PollJob(ctx context.Context, jobID string) (*JobStatus, error) {
	var out JobStatus
	if err := c.get(ctx, "/api/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Classification is the risk-classification result for a tweet batch.
type Classification struct {
	Results       []model.RiskItem `json:"results"`
	DocID         string           `json:"firebase_doc_id"`
	TotalTweets   int              `json:"total_tweets"`
	ExecutionTime string           `json:"execution_time"`
	Summary       struct {
		LabelCounts      map[string]int `json:"label_counts"`
		RiskDistribution map[string]int `json:"risk_distribution"`
	} `json:"summary"`
}

// ClassifyTweets submits fetched tweets for risk classification.
func (c *Client) ClassifyTweets(ctx context.Context, sessionID string, tweets []json.RawMessage) (*Classification, error) {
	body := map[string]any{
		"tweets":     tweets,
		"max_tweets": nil,
	}
	var out Classification
	q := url.Values{
		"session_id":       {sessionID},
		"save_to_firebase": {"true"},
	}
	if err := c.post(ctx, "/api/risk/classify", q, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StoredData is a previously computed result set fetched back by its durable
// document references.
type StoredData struct {
	Tweets        []model.TweetMeta
	UserInfo      *model.Profile
	Results       []model.RiskItem
	SummaryLabels map[string]int
	RiskBreakdown map[string]int
}

// FetchData retrieves tweets and classification results for the dashboard.
func (c *Client) FetchData(ctx context.Context, sessionID, tweetsDocID, classificationDocID string) (*StoredData, error) {
	var out struct {
		Data struct {
			TweetsData struct {
				Tweets   []model.TweetMeta `json:"tweets"`
				UserInfo *model.Profile    `json:"user_info"`
			} `json:"tweets_data"`
			ClassificationData struct {
				Results []model.RiskItem `json:"results"`
				Summary struct {
					LabelCounts      map[string]int `json:"label_counts"`
					RiskDistribution map[string]int `json:"risk_distribution"`
				} `json:"summary"`
			} `json:"classification_data"`
		} `json:"data"`
	}
	q := url.Values{
		"session_id":            {sessionID},
		"tweets_doc_id":         {tweetsDocID},
		"classification_doc_id": {classificationDocID},
	}
	if err := c.get(ctx, "/api/firebase/get-data", q, &out); err != nil {
		return nil, err
	}
	return &StoredData{
		Tweets:        out.Data.TweetsData.Tweets,
		UserInfo:      out.Data.TweetsData.UserInfo,
		Results:       out.Data.ClassificationData.Results,
		SummaryLabels: out.Data.ClassificationData.Summary.LabelCounts,
		RiskBreakdown: out.Data.ClassificationData.Summary.RiskDistribution,
	}, nil
}

// DeleteOutcome is the per-tweet verdict of a bulk deletion.
type DeleteOutcome struct {
	TweetID int64  `json:"tweet_id"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// DeleteResult aggregates a bulk deletion.
type DeleteResult struct {
	Results      []DeleteOutcome `json:"results"`
	DeletedCount int             `json:"deleted_count"`
	FailedCount  int             `json:"failed_count"`
}

// DeleteTweets permanently removes the given posts from the platform and the
// durable store. Ids travel as a comma-separated list. A 429 comes back as
// *RateLimitError.
func (c *Client) DeleteTweets(ctx context.Context, sessionID, docID string, ids []int64) (*DeleteResult, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	body := map[string]any{
		"doc_id":    docID,
		"tweet_ids": strings.Join(strs, ","),
	}
	var out DeleteResult
	q := url.Values{"session_id": {sessionID}}
	if err := c.post(ctx, "/api/tweets/delete", q, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NotifyResult reports whether the dashboard-ready email went out.
type NotifyResult struct {
	Sent        bool `json:"sent"`
	AlreadySent bool `json:"already_sent"`
}

// NotifyDashboard asks the backend to email the user a link to their
// finished dashboard. Idempotent per analysis.
func (c *Client) NotifyDashboard(ctx context.Context, sessionID, email, dashboardURL string) (*NotifyResult, error) {
	body := map[string]any{
		"email":         email,
		"dashboard_url": dashboardURL,
	}
	var out NotifyResult
	q := url.Values{"session_id": {sessionID}}
	if err := c.post(ctx, "/api/notify/dashboard", q, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, out)
}

func (c *Client) post(ctx context.Context, path string, q url.Values, body, out any) error {
	return c.do(ctx, http.MethodPost, path, q, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Detail: readDetail(resp.Body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	var payload struct {
		RetryAfterSeconds int `json:"retry_after_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.RetryAfterSeconds > 0 {
		return time.Duration(payload.RetryAfterSeconds) * time.Second
	}
	return time.Minute
}

func readDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var payload struct {
		Detail string `json:"detail"`
		Err    string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Err != "" {
			return payload.Err
		}
	}
	return strings.TrimSpace(string(data))
}
