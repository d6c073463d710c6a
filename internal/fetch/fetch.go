// Package fetch downloads scheduled import sources over HTTP(S) and FTP.
package fetch

import (
	"context"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
)

// ErrTooLarge is returned when a source exceeds its size limit.
var ErrTooLarge = eris.New("fetch: content exceeds size limit")

// Request describes one download.
type Request struct {
	URL         string
	Auth        model.AuthConfig
	MaxSize     int64         // <= 0 means unlimited
	Timeout     time.Duration // per attempt; <= 0 uses the fetcher default
	ContentType string        // overrides the server's content type
}

// Result is a downloaded file.
type Result struct {
	Data        []byte
	ContentType string
	FileName    string
}

// Fetcher downloads a source.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// Options configures a Client.
type Options struct {
	UserAgent      string
	DefaultTimeout time.Duration
	HostRPS        float64
}

// Client dispatches requests to the HTTP or FTP fetcher by URL scheme.
type Client struct {
	http *HTTPFetcher
	ftp  *FTPFetcher
	opts Options
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	return &Client{
		http: NewHTTPFetcher(HTTPOptions{UserAgent: opts.UserAgent, HostRPS: opts.HostRPS}),
		ftp:  NewFTPFetcher(FTPOptions{Timeout: 30 * time.Second}),
		opts: opts,
	}
}

// Fetch implements Fetcher. An attempt that runs past its timeout fails
// with a transient error.
func (c *Client) Fetch(ctx context.Context, req Request) (*Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: parse url %q", req.URL)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res *Result
	switch u.Scheme {
	case "http", "https":
		res, err = c.http.Fetch(actx, req)
	case "ftp":
		res, err = c.ftp.Fetch(actx, req)
	default:
		return nil, eris.Errorf("fetch: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		if ctx.Err() == nil && actx.Err() == context.DeadlineExceeded {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "fetch: timed out after %s", timeout), 0)
		}
		return nil, err
	}
	if req.ContentType != "" {
		res.ContentType = req.ContentType
	}
	if res.FileName == "" {
		res.FileName = fileNameOf(u)
	}
	return res, nil
}

// readLimited reads r fully, failing with ErrTooLarge past limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		data, err := io.ReadAll(r)
		return data, eris.Wrap(err, "fetch: read body")
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, eris.Wrap(err, "fetch: read body")
	}
	if int64(len(data)) > limit {
		return nil, eris.Wrapf(ErrTooLarge, "limit is %s", humanize.IBytes(uint64(limit)))
	}
	return data, nil
}

func fileNameOf(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return u.Host
	}
	return name
}
