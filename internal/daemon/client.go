package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dohuyhoang93/DirectorySync/internal/history"
	"github.com/dohuyhoang93/DirectorySync/internal/model"
	"github.com/dohuyhoang93/DirectorySync/internal/report"
)

// APIError is a non 2xx answer of the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status code: %d, error: %s", e.StatusCode, e.Message)
}

// URL converts a listen address to the base URL of the daemon. An empty host
// or a wildcard address is reached through the loopback interface.
func URL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

type Client struct {
	base   *url.URL
	client *http.Client
}

func NewClient(serverURL string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the daemon url with a scheme and without path, e.g. `http://127.0.0.1:8765`")
	}

	return &Client{
		base:   parsedURL,
		client: &http.Client{},
	}, nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &st)
	return st, err
}

// Start starts the periodic sync, interval overrides the configured one when set.
func (c *Client) Start(ctx context.Context, interval string) error {
	var body any
	if interval != "" {
		body = StartRequest{Interval: interval}
	}
	return c.do(ctx, http.MethodPost, "/start", nil, body, nil)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop", nil, nil, nil)
}

// Run syncs one configured job. With wait it returns once the run is over.
func (c *Client) Run(ctx context.Context, key model.Key, wait bool) (RunResponse, error) {
	var resp RunResponse
	req := RunRequest{Source: key.Source, Destination: key.Destination, Wait: wait}
	err := c.do(ctx, http.MethodPost, "/run", nil, req, &resp)
	return resp, err
}

func (c *Client) Jobs(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	err := c.do(ctx, http.MethodGet, "/jobs", nil, nil, &jobs)
	return jobs, err
}

func (c *Client) History(ctx context.Context, n int) ([]history.Run, error) {
	q := url.Values{}
	if n > 0 {
		q.Set("n", strconv.Itoa(n))
	}
	var runs []history.Run
	err := c.do(ctx, http.MethodGet, "/history", q, nil, &runs)
	return runs, err
}

// Events calls fn for every event the daemon publishes until ctx is done or
// the daemon closes the stream.
func (c *Client) Events(ctx context.Context, fn func(report.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/events", nil), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return decodeResponse(resp, nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var env report.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return fmt.Errorf("decoding event failed: %w", err)
		}
		ev, err := env.Unwrap()
		if err != nil {
			return err
		}
		fn(ev)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to parse response content type header: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if contentType != "application/json" {
			return fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return nil
	}

	if contentType == "application/json" {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		msg := apiErr.Error
		if msg == "" {
			// echo's own errors, e.g. 404 for an unknown route
			msg = apiErr.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
}
