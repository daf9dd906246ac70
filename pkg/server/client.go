package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/nstar/pkg/ledger"
)

// ErrUnavailable is returned by Client.Status when the server cannot be reached in time.
var ErrUnavailable = errors.New("server unavailable")

// StatusTimeout bounds the liveness check.
const StatusTimeout = 5 * time.Second

// Client talks to a running server.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{}}
}

// Status checks liveness. Any failure, including the timeout, is ErrUnavailable.
func (c *Client) Status(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()
	var st Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return st, nil
}

func (c *Client) Chat(ctx context.Context, req ChatRequest) (JobResult, error) {
	var res JobResult
	err := c.do(ctx, http.MethodPost, "/chat", req, &res)
	return res, err
}

func (c *Client) Direct(ctx context.Context, req DirectRequest) (JobResult, error) {
	var res JobResult
	err := c.do(ctx, http.MethodPost, "/direct", req, &res)
	return res, err
}

func (c *Client) Paste(ctx context.Context, text string) (PasteResponse, error) {
	var res PasteResponse
	err := c.do(ctx, http.MethodPost, "/paste", PasteRequest{Text: text}, &res)
	return res, err
}

// Trace returns the last limit ledger rows, optionally filtered by mode.
func (c *Client) Trace(ctx context.Context, limit int, mode string) ([]ledger.TraceEvent, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if mode != "" {
		q.Set("mode", mode)
	}
	path := "/trace"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var evs []ledger.TraceEvent
	err := c.do(ctx, http.MethodGet, path, nil, &evs)
	return evs, err
}

// Stream reads /stream and calls fn for every event until ctx is done or
// the server closes the stream.
func (c *Client) Stream(ctx context.Context, fn func(Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeProblem(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		fn(ev)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeProblem(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeProblem(resp *http.Response) error {
	p := &ProblemDetail{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(data, p)
	return p
}
