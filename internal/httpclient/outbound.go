// Package httpclient builds HTTP clients for operator-configured outbound
// URLs such as notification webhooks. Requests to loopback, private and
// other special-use addresses are refused unless explicitly allowed.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/scribe/errors"
)

// ErrBlocked marks a request refused by destination checks
var ErrBlocked = errors.New("outbound request blocked")

// Options configure an outbound client
type Options struct {
	Timeout        time.Duration // 0 = 10s
	MaxRedirects   int           // Redirects followed before giving up; 0 = 3
	AllowPrivate   bool          // permit loopback and private networks
	AllowedSchemes []string      // nil = http, https
}

// Client is an http.Client that checks every destination, including
// redirect targets and the addresses a hostname resolves to
type Client struct {
	*http.Client
	opts Options
}

// New creates an outbound client
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 3
	}
	if opts.AllowedSchemes == nil {
		opts.AllowedSchemes = []string{"http", "https"}
	}

	c := &Client{Client: &http.Client{Timeout: opts.Timeout}, opts: opts}
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > c.opts.MaxRedirects {
			return errors.Newf("stopped after %d redirects", c.opts.MaxRedirects)
		}
		return errors.Wrap(c.check(req.URL), "redirect blocked")
	}

	if !opts.AllowPrivate {
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			// Resolved addresses are checked again so DNS cannot point a
			// public name at a private address
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if isPrivateIP(ip) {
						return nil, errors.Mark(errors.Newf("private address %s", ip), ErrBlocked)
					}
				}
				return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	return c
}

// Validate parses raw and checks it is an allowed destination
func (c *Client) Validate(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do checks the request URL before sending it
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func (c *Client) check(u *url.URL) error {
	if u == nil {
		return errors.Mark(errors.New("missing URL"), ErrBlocked)
	}
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(c.opts.AllowedSchemes, scheme) {
		return errors.Mark(errors.Newf("scheme %q not allowed", scheme), ErrBlocked)
	}
	// user:pass@host confuses naive host parsing
	if u.User != nil {
		return errors.Mark(errors.New("URL must not carry credentials"), ErrBlocked)
	}
	host := u.Hostname()
	if host == "" {
		return errors.Mark(errors.New("URL missing hostname"), ErrBlocked)
	}
	if c.opts.AllowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.Mark(errors.Newf("localhost %q", host), ErrBlocked)
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return errors.Mark(errors.Newf("private address %s", host), ErrBlocked)
	}
	return nil
}

var privateV4 = []*net.IPNet{
	cidr("10.0.0.0/8"),
	cidr("172.16.0.0/12"),
	cidr("192.168.0.0/16"),
	cidr("127.0.0.0/8"),
	cidr("169.254.0.0/16"),
	cidr("100.64.0.0/10"), // carrier-grade NAT
	cidr("0.0.0.0/8"),
	cidr("224.0.0.0/4"),
	cidr("240.0.0.0/4"),
}

var privateV6 = []*net.IPNet{
	cidr("fc00::/7"),      // unique local
	cidr("fec0::/10"),     // site-local
	cidr("2001:db8::/32"), // documentation
}

func cidr(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// isPrivateIP reports loopback, private and special-use addresses
func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, n := range privateV4 {
			if n.Contains(ip4) {
				return true
			}
		}
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateV6 {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost")
}
