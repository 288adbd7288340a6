package projection

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

	"escrow-backend/core/marketplace"
)

// APIError is a non-2xx reply from the projection store. It unwraps to the
// marketplace sentinel named by Code when there is one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("projection store: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("projection store: %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if sentinel, ok := marketplace.ErrorForCode(e.Code); ok {
		return sentinel
	}
	switch e.Status {
	case http.StatusNotFound:
		return marketplace.ErrJobNotFound
	case http.StatusConflict:
		return marketplace.ErrVersionConflict
	}
	return nil
}

// Client talks to the projection store over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient returns a client for baseURL. A zero timeout uses 15s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// PublishJob indexes a freshly funded job.
func (c *Client) PublishJob(ctx context.Context, rec marketplace.JobRecord) (marketplace.Job, error) {
	var job marketplace.Job
	err := c.doJSON(ctx, http.MethodPost, "/jobs", rec, &job)
	return job, err
}

// GetJob reads one job.
func (c *Client) GetJob(ctx context.Context, jobID string) (marketplace.Job, error) {
	var job marketplace.Job
	err := c.doJSON(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &job)
	return job, err
}

// ListJobs lists the jobs funded on chainID, newest first.
func (c *Client) ListJobs(ctx context.Context, chainID uint64) ([]marketplace.Job, error) {
	var jobs []marketplace.Job
	err := c.doJSON(ctx, http.MethodGet, "/jobs?chainId="+strconv.FormatUint(chainID, 10), nil, &jobs)
	return jobs, err
}

// Apply adds applicant to the job.
func (c *Client) Apply(ctx context.Context, jobID, applicant string, expectedVersion int64) (marketplace.Job, error) {
	form := url.Values{}
	form.Set("jobId", jobID)
	form.Set("applicantName", applicant)
	setVersion(form, expectedVersion)
	var job marketplace.Job
	err := c.doForm(ctx, "/apply", form, &job)
	return job, err
}

// Assign sets the job's worker on behalf of actor.
func (c *Client) Assign(ctx context.Context, jobID, actor, worker string, expectedVersion int64) (marketplace.Job, error) {
	form := url.Values{}
	form.Set("jobId", jobID)
	form.Set("freelancerName", worker)
	if actor != "" {
		form.Set("actorName", actor)
	}
	setVersion(form, expectedVersion)
	var job marketplace.Job
	err := c.doForm(ctx, "/assign", form, &job)
	return job, err
}

// RecordSubmission appends a judged submission and returns the updated job.
func (c *Client) RecordSubmission(ctx context.Context, sub marketplace.Submission) (marketplace.Job, error) {
	var job marketplace.Job
	err := c.doJSON(ctx, http.MethodPost, "/submissions", sub, &job)
	return job, err
}

// Submissions returns the job's submission history, newest first.
func (c *Client) Submissions(ctx context.Context, jobID string) ([]marketplace.Submission, error) {
	var subs []marketplace.Submission
	err := c.doJSON(ctx, http.MethodGet, "/submissions/"+url.PathEscape(jobID), nil, &subs)
	return subs, err
}

// Users returns the known identity directory.
func (c *Client) Users(ctx context.Context) ([]marketplace.Identity, error) {
	var users []marketplace.Identity
	err := c.doJSON(ctx, http.MethodGet, "/users", nil, &users)
	return users, err
}

func setVersion(form url.Values, v int64) {
	if v > 0 {
		form.Set("expectedVersion", strconv.FormatInt(v, 10))
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) doForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var payload struct {
		Error  string `json:"error"`
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
		if apiErr.Message == "" {
			apiErr.Message = payload.Detail
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

var _ marketplace.Projection = (*Client)(nil)
