package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"escrow-backend/core/marketplace"
)

// statusError is a non-2xx reply that carried no verdict.
type statusError struct {
	Status int
	Detail string
}

func (e *statusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("judge returned %d", e.Status)
	}
	return fmt.Sprintf("judge returned %d: %s", e.Status, e.Detail)
}

// Client posts deliveries to the judge's /submit-work endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient returns a judge client. Judging can take a while, so a zero
// timeout uses two minutes.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "judge",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool {
				var se *statusError
				if errors.As(err, &se) {
					return se.Status < 500
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("judge breaker state changed")
			},
		}),
	}
}

// Evaluate sends d and returns the verdict. A 400 counts as a verdict only
// when its body names one. Every other failure is a JudgeUnavailableError.
func (c *Client) Evaluate(ctx context.Context, d marketplace.Delivery) (marketplace.Ruling, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.submit(ctx, d)
	})
	if err != nil {
		return marketplace.Ruling{}, &marketplace.JudgeUnavailableError{JobID: d.JobID, Cause: err}
	}
	return out.(marketplace.Ruling), nil
}

func (c *Client) submit(ctx context.Context, d marketplace.Delivery) (marketplace.Ruling, error) {
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit-work", pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return marketplace.Ruling{}, err
	}
	writer := multipart.NewWriter(pw)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	go func() {
		defer pw.Close()
		if err := writeDelivery(writer, d); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = writer.Close()
	}()

	resp, err := c.client.Do(req)
	if err != nil {
		return marketplace.Ruling{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
		return decodeRuling(body)
	case resp.StatusCode == http.StatusBadRequest && carriesVerdict(body):
		return decodeRuling(body)
	}
	return marketplace.Ruling{}, &statusError{Status: resp.StatusCode, Detail: detailOf(body)}
}

func writeDelivery(w *multipart.Writer, d marketplace.Delivery) error {
	if err := w.WriteField("jobId", d.JobID); err != nil {
		return err
	}
	if err := w.WriteField("notes", d.Notes); err != nil {
		return err
	}
	for _, f := range d.Files {
		part, err := w.CreateFormFile("files", fileName(f.Name))
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, bytes.NewReader(f.Content)); err != nil {
			return err
		}
	}
	return nil
}

// fileName strips directories and control characters from an artifact name.
func fileName(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, name)
	if len(name) > 255 {
		name = name[:255]
	}
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "file"
	}
	return name
}

func decodeRuling(body []byte) (marketplace.Ruling, error) {
	var payload struct {
		Verdict string  `json:"verdict"`
		Reason  string  `json:"reason"`
		TxHash  *string `json:"tx_hash"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return marketplace.Ruling{}, fmt.Errorf("decode verdict: %w", err)
	}
	ruling := marketplace.Ruling{
		Verdict: marketplace.Verdict(strings.ToUpper(strings.TrimSpace(payload.Verdict))),
		Reason:  payload.Reason,
	}
	if payload.TxHash != nil {
		ruling.TxHash = *payload.TxHash
	}
	if ruling.Verdict != marketplace.VerdictPass && ruling.Verdict != marketplace.VerdictFail {
		return marketplace.Ruling{}, fmt.Errorf("decode verdict: unknown verdict %q", payload.Verdict)
	}
	return ruling, nil
}

func carriesVerdict(body []byte) bool {
	var payload struct {
		Verdict string `json:"verdict"`
	}
	return json.Unmarshal(body, &payload) == nil && strings.TrimSpace(payload.Verdict) != ""
}

func detailOf(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return strings.TrimSpace(string(body))
	}
	if payload.Detail != "" {
		return payload.Detail
	}
	return payload.Error
}

var _ marketplace.Judge = (*Client)(nil)
