package bbctl

import (
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

	"github.com/bernerdschaefer/eventsource"
	"github.com/peterbourgon/unixtransport"
)

// HTTPClient models a concrete http.Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// NewHTTPClient returns an HTTP client which also understands http+unix URLs,
// e.g. http+unix:///run/blackbox.sock:/trace/start.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{}
	unixtransport.Register(transport)
	return &http.Client{Transport: transport}
}

// Client calls a Server.
type Client struct {
	client  HTTPClient
	baseurl string

	// RetryInterval between reconnect attempts of Events. Default 3s.
	RetryInterval time.Duration
}

// NewClient returns a client calling the server at baseurl. A baseurl without
// a scheme is assumed to be http.
func NewClient(client HTTPClient, baseurl string) *Client {
	if !strings.Contains(baseurl, "://") {
		baseurl = "http://" + baseurl
	}
	return &Client{
		client:        client,
		baseurl:       strings.TrimSuffix(baseurl, "/"),
		RetryInterval: 3 * time.Second,
	}
}

// Start a trace.
func (c *Client) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	query := url.Values{}
	if req.TraceID != 0 {
		query.Set("id", strconv.FormatInt(req.TraceID, 10))
	}
	if req.Flags != 0 {
		query.Set("flags", strconv.Itoa(int(req.Flags)))
	}
	if req.Timeout > 0 {
		query.Set("timeout", req.Timeout.String())
	}

	var res StartResponse
	err := c.do(ctx, "POST", "/trace/start", query, &res)
	return res, err
}

// Stop an active trace, with an end marker, or with an abort marker if abort
// is true.
func (c *Client) Stop(ctx context.Context, traceID int64, abort bool) (StopResponse, error) {
	query := url.Values{}
	query.Set("id", strconv.FormatInt(traceID, 10))
	if abort {
		query.Set("abort", "true")
	}

	var res StopResponse
	err := c.do(ctx, "POST", "/trace/stop", query, &res)
	return res, err
}

// Recent returns up to n recent lifecycle events, newest first.
func (c *Client) Recent(ctx context.Context, n int) ([]Event, error) {
	query := url.Values{}
	query.Set("n", strconv.Itoa(n))

	var res []Event
	err := c.do(ctx, "GET", "/traces", query, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, res any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseurl+path+"?"+query.Encode(), nil)
	if err != nil {
		return Error.Wrap(fmt.Errorf("create HTTP request: %w", err))
	}
	req.Header.Set("accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Error.Wrap(fmt.Errorf("execute HTTP request: %w", redactURL(err)))
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return responseError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return Error.Wrap(fmt.Errorf("decode response: %w", err))
	}

	return nil
}

func responseError(resp *http.Response) error {
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		er.Error = resp.Status
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		sentinel = ErrRateLimited
	case http.StatusNotFound:
		sentinel = ErrUnknownTrace
	case http.StatusConflict:
		sentinel = ErrTraceActive
	}

	if sentinel != nil {
		return Error.Wrap(fmt.Errorf("%w (remote: %s)", sentinel, er.Error))
	}
	return Error.New("remote status code %d: %s", resp.StatusCode, er.Error)
}

func redactURL(err error) error {
	if urlErr := (&url.Error{}); errors.As(err, &urlErr) {
		err = fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}

// Events streams lifecycle events to ch, until the context is canceled or a
// non-recoverable error occurs. The stream reconnects after transient
// errors. Events are read with http.DefaultClient, so unix socket URLs need
// unixtransport registered with http.DefaultTransport.
func (c *Client) Events(ctx context.Context, ch chan<- Event) error {
	// The request is built without the context, because the event source
	// treats cancelation as a recoverable error, and retries. It's closed
	// when the context is done instead.
	req, err := http.NewRequest("GET", c.baseurl+"/trace/events", nil)
	if err != nil {
		return Error.Wrap(fmt.Errorf("create HTTP request: %w", err))
	}

	es := eventsource.New(req, c.RetryInterval)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			es.Close()
		case <-stop:
		}
	}()

	for {
		ev, err := es.Read()
		if errors.Is(err, eventsource.ErrClosed) {
			return nil
		}
		if err != nil {
			return Error.Wrap(fmt.Errorf("read server-sent event: %w", err))
		}

		switch ev.Type {
		case eventTypeLifecycle:
			var e Event
			if err := json.Unmarshal(ev.Data, &e); err != nil {
				return Error.Wrap(fmt.Errorf("decode lifecycle event: %w", err))
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return nil
			}

		case eventTypeInit, eventTypeHeartbeat:
			// ok
		}
	}
}
