// Package httpclient is the CLI's client for a running master's JSON API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/server"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/version"
)

const maxRedirects = 10

// Client talks to one master
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration // per call, except sync runs and followed output
}

// New validates baseURL and builds a client. timeout bounds ordinary calls.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid master URL")
	}
	if err := validateURL(u); err != nil {
		return nil, err
	}

	c := &Client{base: u, timeout: timeout}
	c.http = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.Newf("stopped after %d redirects", maxRedirects)
			}
			return errors.Wrap(validateURL(req.URL), "redirect blocked")
		},
	}
	return c, nil
}

// validateURL accepts http(s) URLs with a host and no credentials
func validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("scheme %q not allowed (allowed: http, https)", u.Scheme)
	}
	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}
	if u.Hostname() == "" {
		return errors.New("URL missing hostname")
	}
	return nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// call sends one request and decodes a JSON reply into out (when non-nil)
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out interface{}, bounded bool) error {
	if bounded && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.send(ctx, method, path, query, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

// send returns the response of a 2xx reply; any other status becomes an error
func (c *Client) send(ctx context.Context, method, path string, query url.Values, in interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.Get().UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.Wrap(errors.ErrServiceUnavailable, err.Error()), "master unreachable")
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// statusError rebuilds the domain error the master reported
func statusError(resp *http.Response) error {
	var e server.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &e) != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = errors.ErrNotFound
	case http.StatusBadRequest:
		sentinel = errors.ErrInvalidRequest
	case http.StatusConflict:
		sentinel = errors.ErrJobNotRunning
	case http.StatusServiceUnavailable:
		sentinel = errors.ErrServiceUnavailable
	case http.StatusGatewayTimeout:
		sentinel = errors.ErrTimeout
	default:
		return errors.Newf("master replied %s: %s", resp.Status, e.Error)
	}
	return errors.Wrap(sentinel, e.Error)
}

// Health fetches /health
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	var out server.HealthResponse
	if err := c.call(ctx, http.MethodGet, "/health", nil, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Workers lists connected workers
func (c *Client) Workers(ctx context.Context) (*server.ListWorkersResponse, error) {
	var out server.ListWorkersResponse
	if err := c.call(ctx, http.MethodGet, "/api/workers", nil, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunJob submits a one-off job. Sync runs are bounded by ctx only.
func (c *Client) RunJob(ctx context.Context, req server.RunJobRequest) (*server.RunJobResponse, error) {
	var out server.RunJobResponse
	if err := c.call(ctx, http.MethodPost, "/api/jobs", nil, req, &out, !req.RunSync); err != nil {
		return nil, err
	}
	return &out, nil
}

// KillJob kills a running job and waits for the worker's confirmation
func (c *Client) KillJob(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil, nil, true)
}

// RunningJobs lists the jobs the master is tracking
func (c *Client) RunningJobs(ctx context.Context) ([]*store.Job, error) {
	var out server.ListJobsResponse
	if err := c.call(ctx, http.MethodGet, "/api/jobs/running", nil, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Output opens a job's stdout or stderr. With follow the body stays open
// until the job finishes or ctx is done.
func (c *Client) Output(ctx context.Context, id, stream string, follow bool) (io.ReadCloser, error) {
	query := url.Values{"stream": {stream}}
	if follow {
		query.Set("follow", strconv.Itoa(1))
	}
	resp, err := c.send(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id)+"/output", query, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
