// Package stress drives load against a snapshot deployment: a fixed set of
// paginated pages fired at once, or a crawl that follows links until the
// site is exhausted.
package stress

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/littb/snapshot/internal/common/requestid"
	"github.com/littb/snapshot/pkg/types"
)

// Response is the outcome of one request
type Response struct {
	Path       string
	StatusCode int
	Body       []byte
	Cache      string // X-Cache, when the request went through /render
	Elapsed    time.Duration
	Err        error
}

// OK reports whether the request produced a 2xx response
func (r *Response) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher requests site paths from Host. With RenderOrigin set, every path
// is requested through that render service's /render endpoint instead.
type Fetcher struct {
	Host         string
	RenderOrigin string
	client       *fasthttp.Client
}

func NewFetcher(host, renderOrigin string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		Host:         strings.TrimRight(host, "/"),
		RenderOrigin: strings.TrimRight(renderOrigin, "/"),
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
			Name:         "snapshot-stress",
		},
	}
}

// URLFor returns the URL requested for path
func (f *Fetcher) URLFor(path string) string {
	target := f.Host + path
	if f.RenderOrigin == "" {
		return target
	}
	return fmt.Sprintf("%s/render?url=%s", f.RenderOrigin, url.QueryEscape(target))
}

// Fetch issues a GET for path. Transport failures are reported in
// Response.Err, never as a returned error.
func (f *Fetcher) Fetch(path string) *Response {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.URLFor(path))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(requestid.Header, requestid.New())

	start := time.Now()
	err := f.client.Do(req, resp)
	elapsed := time.Since(start)
	if err != nil {
		return &Response{Path: path, Elapsed: elapsed, Err: err}
	}

	return &Response{
		Path:       path,
		StatusCode: resp.StatusCode(),
		Body:       append([]byte(nil), resp.Body()...),
		Cache:      string(resp.Header.Peek("X-Cache")),
		Elapsed:    elapsed,
	}
}

// cacheLabel is used when printing per-request lines
func cacheLabel(r *Response) string {
	switch r.Cache {
	case types.CacheResultHit, types.CacheResultStore, types.CacheResultMiss:
		return r.Cache
	default:
		return "-"
	}
}
