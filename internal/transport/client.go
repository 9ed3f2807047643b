package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/streamfetch/internal/download"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultUserAgent = "streamfetch/1.0"
	readChunkSize    = 32 * 1024
)

type Config struct {
	Timeout       time.Duration
	KATimeout     time.Duration
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
	UserAgent     string
	Headers       map[string]string
	BearerToken   string
	// RateLimit caps the combined read rate of all transfers in bytes per
	// second. Zero disables it.
	RateLimit int64
	// MaxBodySize fails transfers whose body is larger than this.
	MaxBodySize    int64
	HighThreadMode bool // larger socket buffers for big pools
}

// Client is the HTTP implementation of download.Transport.
type Client struct {
	client  *http.Client
	config  Config
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     cfg.KATimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true,
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.HighThreadMode {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSocketOptions(fd)
			})
		}
	}
	transport.DialContext = dialer.DialContext
	if cfg.ProxyURL != "" {
		if err := configureProxy(transport, dialer, cfg); err != nil {
			return nil, err
		}
	}
	var rt http.RoundTripper = transport
	if cfg.BearerToken != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken, TokenType: "Bearer"}),
			Base:   transport,
		}
	}
	c := &Client{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: rt,
		},
		config: cfg,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(max(cfg.RateLimit, readChunkSize)))
	}
	return c, nil
}

func configureProxy(transport *http.Transport, base *net.Dialer, cfg Config) error {
	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	if cfg.ProxyUsername != "" {
		if cfg.ProxyPassword != "" {
			proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
		} else {
			proxyURL.User = url.User(cfg.ProxyUsername)
		}
	}
	switch proxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			auth = &proxy.Auth{User: proxyURL.User.Username()}
			auth.Password, _ = proxyURL.User.Password()
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, base)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", proxyURL.Scheme)
	}
	log.Debug().Str("op", "transport/client").Msgf("using %s proxy %s", proxyURL.Scheme, proxyURL.Host)
	return nil
}

// Do sends req with the client's user agent and default headers. Headers
// already present on req win.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		} else {
			req.Header.Set("User-Agent", DefaultUserAgent)
		}
	}
	for k, v := range c.config.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return c.client.Do(req)
}

// Transfer implements download.Transport. A byte range is sent as an HTTP
// Range header; servers that ignore it have their full response sliced.
func (c *Client) Transfer(ctx context.Context, treq download.TransferRequest, progress download.ProgressFunc) (*download.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, treq.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	for k, v := range treq.Headers {
		req.Header.Set(k, v)
	}
	ranged := treq.RangeEnd > 0
	if ranged {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", treq.RangeStart, treq.RangeEnd-1))
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", treq.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, &download.Error{Kind: download.KindInvalidRange, URL: treq.URL, Err: fmt.Errorf("server returned status code %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("server returned status code %d", resp.StatusCode)
	}

	total := resp.ContentLength
	if c.config.MaxBodySize > 0 && total > c.config.MaxBodySize {
		return nil, &download.Error{Kind: download.KindInvalidRange, URL: treq.URL, Err: fmt.Errorf("body of %d bytes exceeds limit of %d", total, c.config.MaxBodySize)}
	}
	data, err := c.read(ctx, resp.Body, total, progress)
	if err != nil {
		var de *download.Error
		if errors.As(err, &de) {
			de.URL = treq.URL
			return nil, de
		}
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if ranged && resp.StatusCode == http.StatusOK {
		data, err = sliceRange(data, treq.RangeStart, treq.RangeEnd)
		if err != nil {
			return nil, &download.Error{Kind: download.KindInvalidRange, URL: treq.URL, Err: err}
		}
	}
	log.Debug().Str("op", "transport/client").Msgf("fetched %d bytes from %s", len(data), treq.URL)
	return &download.Response{
		Data:    data,
		Headers: resp.Header,
		URL:     resp.Request.URL.String(),
	}, nil
}

func (c *Client) read(ctx context.Context, body io.Reader, total int64, progress download.ProgressFunc) ([]byte, error) {
	var data []byte
	if total > 0 {
		data = make([]byte, 0, total)
	}
	buf := make([]byte, readChunkSize)
	for {
		if c.limiter != nil {
			if err := c.limiter.WaitN(ctx, len(buf)); err != nil {
				return nil, err
			}
		}
		n, err := body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			if c.config.MaxBodySize > 0 && int64(len(data)) > c.config.MaxBodySize {
				return nil, &download.Error{Kind: download.KindInvalidRange, Err: fmt.Errorf("body exceeds limit of %d bytes", c.config.MaxBodySize)}
			}
			if progress != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				progress(download.Stats{Loaded: int64(len(data)), Total: max(total, 0)}, chunk)
			}
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func sliceRange(data []byte, start, end int64) ([]byte, error) {
	if start >= int64(len(data)) {
		return nil, fmt.Errorf("range start %d beyond body of %d bytes", start, len(data))
	}
	return data[start:min(end, int64(len(data)))], nil
}
