package downloader

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

const defaultUserAgent = "getmux/1.0"

// fakeUserAgent is sent when a spec or the options ask to look like a
// browser.
const fakeUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:64.0) Gecko/20100101 Firefox/64.0"

var browserHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Charset":  "UTF-8,*;q=0.5",
	"Accept-Language": "en-US,en;q=0.8",
	"User-Agent":      fakeUserAgent,
}

// BrowserHeaders returns a copy of the browser-like header set that
// --fake-headers puts into Options.FakeHeaders.
func BrowserHeaders() map[string]string {
	h := make(map[string]string, len(browserHeaders))
	for k, v := range browserHeaders {
		h[k] = v
	}
	return h
}

// newTransport builds the shared transport of a session. Compression is
// disabled so that byte offsets on disk always match the wire.
func newTransport(opts Options) (*http.Transport, error) {
	proxy := http.ProxyFromEnvironment
	if opts.Proxy != "" {
		u, err := url.Parse(opts.Proxy)
		if err != nil || u.Host == "" {
			return nil, wrapCategory(CategoryInvalidInput, fmt.Errorf("invalid proxy %q", opts.Proxy))
		}
		proxy = http.ProxyURL(u)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Transport{
		Proxy:               proxy,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}, nil
}

type consistentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *consistentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	return t.base.RoundTrip(req)
}

// newHTTPClient returns the client used for part bodies. It has no overall
// timeout because bodies may stream for hours.
func newHTTPClient(base http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: &consistentTransport{base: base, userAgent: defaultUserAgent},
	}
}

// newProbeClient returns the client used for HEAD size probes, which
// retries transient failures at the transport level.
func newProbeClient(base http.RoundTripper, opts Options) *http.Client {
	var transport http.RoundTripper = &consistentTransport{base: base, userAgent: defaultUserAgent}
	transport = newRetryTransport(transport, opts.retryConfig())
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
}

// requestHeader builds the headers sent with every request of a spec.
// The spec's Referer and fake User-Agent win over Options.FakeHeaders.
func requestHeader(spec DownloadSpec, opts Options) http.Header {
	h := make(http.Header)
	for k, v := range opts.FakeHeaders {
		h.Set(k, v)
	}
	if spec.UseFakeUserAgent {
		h.Set("User-Agent", fakeUserAgent)
	}
	if spec.Referer != "" {
		h.Set("Referer", spec.Referer)
	}
	return h
}
