package realtime

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/valyala/fasthttp"
)

type httpResult struct {
	status int
	body   []byte
	err    error
}

// httpDoer runs fasthttp requests under a context. The request and response
// stay owned by the worker goroutine, so an abandoned call can finish and
// release them after the caller moved on.
type httpDoer struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func newHTTPDoer(timeout time.Duration) *httpDoer {
	return &httpDoer{
		client:  &fasthttp.Client{Name: "realtime-voice/" + shared.Version},
		timeout: timeout,
	}
}

func (h *httpDoer) do(ctx context.Context, build func(req *fasthttp.Request)) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	build(req)

	resC := make(chan httpResult, 1)
	go func() {
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		var err error
		if h.timeout > 0 {
			err = h.client.DoTimeout(req, resp, h.timeout)
		} else {
			err = h.client.Do(req, resp)
		}
		if err != nil {
			resC <- httpResult{err: err}
			return
		}
		resC <- httpResult{
			status: resp.StatusCode(),
			body:   append([]byte(nil), resp.Body()...),
		}
	}()

	select {
	case <-ctx.Done():
		return 0, nil, context.Cause(ctx)
	case r := <-resC:
		if r.err != nil {
			return 0, nil, fmt.Errorf("performing HTTP request: %w", r.err)
		}
		return r.status, r.body, nil
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func parseBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, shared.ErrNoEndpoint
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parsing base URL: %q is not absolute", raw)
	}
	return u, nil
}
