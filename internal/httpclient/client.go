// Package httpclient is the outbound HTTP client used to reach the inference
// services. Each request gets a deadline, a User-Agent and pooled connections.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"slices"
	"strings"
	"time"
)

// DefaultTimeout bounds a request whose context carries no deadline.
const DefaultTimeout = 30 * time.Second

const (
	defaultUserAgent      = "FetalScan"
	defaultIdlePerHost    = 4
	defaultHeaderWait     = 60 * time.Second // model inference can be slow
	defaultIdleTimeout    = 90 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultHandshakeLimit = 10 * time.Second
)

// Config configures New. Zero fields take the package defaults.
type Config struct {
	// DefaultTimeout applies when the request context has no deadline
	DefaultTimeout time.Duration
	UserAgent      string

	// Transport replaces the pooled transport; tests pass an httpmock transport
	Transport http.RoundTripper

	MaxIdleConnsPerHost   int
	ResponseHeaderTimeout time.Duration
}

// Client sends requests to the inference services. It is safe for
// concurrent use.
type Client struct {
	http      *http.Client
	timeout   time.Duration
	userAgent string
}

// New builds a Client. A nil cfg uses the defaults; cfg is not modified.
func New(cfg *Config) *Client {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = defaultIdlePerHost
	}
	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = defaultHeaderWait
	}

	rt := c.Transport
	if rt == nil {
		dialer := &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}
		rt = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
			IdleConnTimeout:       defaultIdleTimeout,
			TLSHandshakeTimeout:   defaultHandshakeLimit,
			ResponseHeaderTimeout: c.ResponseHeaderTimeout,
		}
	}

	// the deadline lives on the request context, never on http.Client
	return &Client{
		http:      &http.Client{Transport: rt},
		timeout:   c.DefaultTimeout,
		userAgent: c.UserAgent,
	}
}

// Timeout reports the deadline applied to requests without one.
func (c *Client) Timeout() time.Duration { return c.timeout }

// deadlineBody cancels the request's timeout context once the body is closed.
type deadlineBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *deadlineBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// Do sends req under ctx. When ctx has no deadline the client timeout
// covers the whole exchange, including reading the body. The caller closes
// the body of a non-nil response.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("httpclient: nil request")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &deadlineBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// FormFile is a file part of a multipart request.
type FormFile struct {
	Field       string
	FileName    string
	ContentType string // application/octet-stream when empty
	Data        io.Reader
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// PostMultipart posts fields (in key order) followed by files as
// multipart/form-data.
func (c *Client) PostMultipart(ctx context.Context, url string, fields map[string]string, files ...FormFile) (*http.Response, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, fmt.Errorf("write field %q: %w", k, err)
		}
	}
	for _, f := range files {
		if err := writeFile(w, f); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.Do(ctx, req)
}

func writeFile(w *multipart.Writer, f FormFile) error {
	if f.Data == nil {
		return fmt.Errorf("form file %q has no data", f.Field)
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(f.Field), quoteEscaper.Replace(f.FileName)))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part %q: %w", f.Field, err)
	}
	if _, err := io.Copy(part, f.Data); err != nil {
		return fmt.Errorf("copy part %q: %w", f.Field, err)
	}
	return nil
}

// Close drops idle pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
