package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nict-isp/uds-sdk/errors"
)

// DefaultHTTPTimeout bounds one HTTP fetch.
const DefaultHTTPTimeout = 20 * time.Second

// RequestFunc returns the URL and optional form values for one fetch. A
// non-nil form turns the request into a POST.
type RequestFunc func(ctx context.Context) (target string, form url.Values, err error)

// HTTPConfig configures an HTTPPoller.
type HTTPConfig struct {
	// URL is fetched with GET when Request is nil.
	URL     string
	Request RequestFunc
	Header  http.Header
	Timeout time.Duration
	// Charset of the response body, CharsetAuto by default.
	Charset string
	// MaxBody caps the response size. Zero means 32 MiB.
	MaxBody int64
}

// HTTPPoller fetches one document per call.
type HTTPPoller struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPPoller creates a poller. client may be nil.
func NewHTTPPoller(cfg HTTPConfig, client *http.Client, logger *slog.Logger) (*HTTPPoller, error) {
	if cfg.URL == "" && cfg.Request == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "HTTPPoller", "NewHTTPPoller", "url check")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	if cfg.Charset == "" {
		cfg.Charset = CharsetAuto
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 32 << 20
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPPoller{cfg: cfg, client: client, logger: logger.With("component", "http_poller")}, nil
}

// Fetch implements crawler.Fetcher. An empty URL from the RequestFunc
// yields an empty fetch.
func (p *HTTPPoller) Fetch(ctx context.Context) (Payload, bool, error) {
	target, form := p.cfg.URL, url.Values(nil)
	if p.cfg.Request != nil {
		var err error
		if target, form, err = p.cfg.Request(ctx); err != nil {
			return Payload{}, false, errors.Wrap(err, "HTTPPoller", "Fetch", "build request")
		}
	}
	if target == "" {
		p.logger.Warn("request url is empty")
		return Payload{}, false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	method, body := http.MethodGet, io.Reader(nil)
	if form != nil {
		method, body = http.MethodPost, strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Payload{}, false, errors.WrapInvalid(err, "HTTPPoller", "Fetch", "build request")
	}
	for k, vs := range p.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	p.logger.Info("fetching", "url", target, "method", method)
	resp, err := p.client.Do(req)
	if err != nil {
		return Payload{}, false, errors.WrapTransient(err, "HTTPPoller", "Fetch", "request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Payload{}, false, errors.WrapTransient(
			fmt.Errorf("unexpected status %s", resp.Status), "HTTPPoller", "Fetch", "response check")
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBody))
	if err != nil {
		return Payload{}, false, errors.WrapTransient(err, "HTTPPoller", "Fetch", "read body")
	}
	text, err := ToUTF8(raw, p.cfg.Charset)
	if err != nil {
		return Payload{}, false, err
	}
	return Payload{Source: target, Body: text, Received: time.Now()}, true, nil
}
