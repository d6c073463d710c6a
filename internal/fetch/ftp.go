package fetch

import (
	"context"
	"mime"
	"net"
	"net/url"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/resilience"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout time.Duration
}

// FTPFetcher downloads files over FTP.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates a new FTPFetcher with the given options.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPFetcher{opts: opts}
}

// parseFTPURL extracts host (with port), path and any URL credentials.
func parseFTPURL(rawURL string) (host, filePath string, user *url.Userinfo, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", nil, eris.Wrap(err, "fetch: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", nil, eris.Errorf("fetch: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}
	if u.Path == "" {
		return "", "", nil, eris.New("fetch: empty path in ftp url")
	}
	return host, u.Path, u.User, nil
}

// credentials picks the login: basic auth, then URL userinfo, then anonymous.
func credentials(a model.AuthConfig, user *url.Userinfo) (string, string) {
	if a.Type == model.AuthBasic && a.Username != "" {
		return a.Username, a.Password
	}
	if user != nil {
		pass, _ := user.Password()
		return user.Username(), pass
	}
	return "anonymous", "anonymous@"
}

// Fetch retrieves the file at req.URL. Dial failures are transient.
func (f *FTPFetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	host, filePath, user, err := parseFTPURL(req.URL)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("fetch: ftp connecting", zap.String("host", host), zap.String("path", filePath))
	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "fetch: ftp dial"), 0)
	}
	defer conn.Quit() //nolint:errcheck

	username, password := credentials(req.Auth, user)
	if err := conn.Login(username, password); err != nil {
		return nil, eris.Wrap(err, "fetch: ftp login")
	}

	resp, err := conn.Retr(filePath)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: ftp retrieve %s", filePath)
	}
	defer resp.Close() //nolint:errcheck

	data, err := readLimited(resp, req.MaxSize)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:        data,
		ContentType: mime.TypeByExtension(path.Ext(filePath)),
		FileName:    path.Base(filePath),
	}, nil
}
