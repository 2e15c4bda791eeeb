// Package fetch streams one time window of chat logs from the remote log source.
//
// The response body is consumed incrementally: it is read in fixed-size chunks,
// decompressed on the fly when the server compresses it, and split into lines
// as data arrives. Nothing requires a whole month of logs to be held in memory.
package fetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
	"github.com/mschirtzinger/chatlog/internal/chatlog/window"
)

const (
	// DefaultBaseURL is the public chat log API.
	DefaultBaseURL = "https://logs.ivr.fi"

	// DefaultTimeout bounds a single window fetch end to end.
	DefaultTimeout = 30 * time.Second

	chunkSize     = 8192
	errBodyLimit  = 200
	errRawLimit   = 64 * 1024
	progressEvery = 100 * 1024
	queryLayout   = "2006-01-02T15:04:05Z"
)

// Client fetches windows from the remote log source.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	ndjson     bool
	userAgent  string
	logger     *slog.Logger
}

// Option configures Client behavior.
type Option func(*Client)

// WithTimeout sets the per-window timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithNDJSON selects newline-delimited JSON (true) or a JSON array (false).
func WithNDJSON(enabled bool) Option {
	return func(c *Client) {
		c.ndjson = enabled
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger used for progress output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMaxConns sizes the connection pool for the given number of workers.
func WithMaxConns(workers int) Option {
	return func(c *Client) {
		if workers <= 0 {
			return
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          workers * 2,
				MaxIdleConnsPerHost:   workers,
				MaxConnsPerHost:       workers,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}
}

// New creates a Client for baseURL. An empty baseURL selects DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		ndjson:     true,
		userAgent:  "chatlog/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Stats describes what a fetch read from the wire.
type Stats struct {
	StatusCode int
	Bytes      int64 // decoded body bytes
	Lines      int   // non-blank lines (or array elements) emitted
	Encoding   string
	// MalformedBody is set when a JSON array body ended in a syntax error.
	// Elements before the error were emitted.
	MalformedBody bool
}

// URL returns the request URL for a window.
func (c *Client) URL(ch schema.ChannelRef, w window.Window) string {
	q := url.Values{}
	q.Set("from", w.Start.UTC().Format(queryLayout))
	q.Set("to", w.LastSecond().UTC().Format(queryLayout))
	if c.ndjson {
		q.Set("ndjson", "true")
	} else {
		q.Set("json", "true")
	}

	channelType := ch.Type
	if channelType == "" {
		channelType = schema.ChannelTypeName
	}
	return fmt.Sprintf("%s/%s/%s?%s", c.baseURL, channelType, url.PathEscape(ch.Name), q.Encode())
}

// Fetch streams window w for channel ch, calling emit for every line.
//
// If raw is non-nil the decoded body is copied to it as it is read. An error
// returned by emit aborts the fetch and is returned unchanged. Other failures
// are reported as ErrTimeout, *RemoteError or *TransportError.
func (c *Client) Fetch(ctx context.Context, ch schema.ChannelRef, w window.Window, emit LineFunc, raw io.Writer) (Stats, error) {
	var stats Stats

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.URL(ch, w), nil)
	if err != nil {
		return stats, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson, application/json")
	req.Header.Set("Accept-Encoding", "zstd, gzip")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return stats, classify(ctx, err)
	}
	defer resp.Body.Close()

	stats.StatusCode = resp.StatusCode
	stats.Encoding = resp.Header.Get("Content-Encoding")

	// Error bodies are often plain text whatever the headers claim, so the
	// status is checked before the body is decoded.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return stats, &RemoteError{StatusCode: resp.StatusCode, Body: errorExcerpt(resp.Body, stats.Encoding)}
	}

	body, err := decodeBody(resp.Body, stats.Encoding)
	if err != nil {
		return stats, classify(ctx, err)
	}
	defer body.Close()

	counter := &countingReader{r: body, onProgress: func(n int64) {
		c.logger.Debug("fetch progress", "channel", ch.Name, "window", w.Label(), "bytes", n)
	}}
	var src io.Reader = counter
	if raw != nil {
		src = io.TeeReader(counter, raw)
	}
	br := bufio.NewReaderSize(src, chunkSize)

	wrapped := func(line []byte) error {
		if err := emit(line); err != nil {
			return &emitError{err: err}
		}
		return nil
	}

	first, err := peekNonSpace(br)
	switch {
	case errors.Is(err, io.EOF):
		stats.Bytes = counter.n
		return stats, nil
	case err != nil:
		stats.Bytes = counter.n
		return stats, classify(ctx, err)
	}

	if first == '[' {
		stats.Lines, stats.MalformedBody, err = splitArray(br, wrapped)
	} else {
		splitter := NewLineSplitter(wrapped)
		_, err = io.Copy(splitter, br)
		if err == nil {
			err = splitter.Close()
		}
		stats.Lines = splitter.Lines()
	}
	stats.Bytes = counter.n

	if err != nil {
		var ee *emitError
		if errors.As(err, &ee) {
			return stats, ee.err
		}
		return stats, classify(ctx, err)
	}

	return stats, nil
}

// splitArray emits each element of a JSON array body as one line.
func splitArray(br *bufio.Reader, emit LineFunc) (lines int, malformed bool, err error) {
	dec := json.NewDecoder(br)
	if _, err := dec.Token(); err != nil {
		return 0, isSyntaxError(err), nonSyntax(err)
	}
	for dec.More() {
		var elem json.RawMessage
		if err := dec.Decode(&elem); err != nil {
			return lines, isSyntaxError(err), nonSyntax(err)
		}
		lines++
		if err := emit(elem); err != nil {
			return lines, false, err
		}
	}
	return lines, false, nil
}

func isSyntaxError(err error) bool {
	var se *json.SyntaxError
	var ue *json.UnmarshalTypeError
	return errors.As(err, &se) || errors.As(err, &ue) || errors.Is(err, io.ErrUnexpectedEOF)
}

func nonSyntax(err error) error {
	if isSyntaxError(err) {
		return nil
	}
	return err
}

// decodeBody wraps the response body in a decompressor matching Content-Encoding.
func decodeBody(r io.Reader, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip body: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd body: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// errorExcerpt returns the start of an error response body. The body is
// decoded when that works and used as sent otherwise.
func errorExcerpt(r io.Reader, encoding string) string {
	raw, _ := io.ReadAll(io.LimitReader(r, errRawLimit))

	excerpt := raw
	if dec, err := decodeBody(bytes.NewReader(raw), encoding); err == nil {
		decoded, _ := io.ReadAll(io.LimitReader(dec, errBodyLimit))
		dec.Close()
		if len(decoded) > 0 {
			excerpt = decoded
		}
	}
	if len(excerpt) > errBodyLimit {
		excerpt = excerpt[:errBodyLimit]
	}
	return strings.TrimSpace(string(excerpt))
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

// emitError marks errors that came from the caller's LineFunc.
type emitError struct {
	err error
}

func (e *emitError) Error() string { return e.err.Error() }
func (e *emitError) Unwrap() error { return e.err }

type countingReader struct {
	r          io.Reader
	n          int64
	next       int64
	onProgress func(n int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.onProgress != nil && c.n >= c.next+progressEvery {
		c.next = c.n
		c.onProgress(c.n)
	}
	return n, err
}
