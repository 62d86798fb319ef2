package uri

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
	"golang.org/x/net/idna"
)

var (
	ErrMissingScheme = errors.New("uri missing scheme")
	ErrMissingHost   = errors.New("uri missing host")
	ErrInvalidPort   = errors.New("uri invalid port")
)

const (
	DefaultSecurePort   = 443
	DefaultInsecurePort = 80
)

// Endpoint is a parsed, immutable URL.
type Endpoint struct {
	scheme   string
	host     string
	port     int
	path     string
	rawQuery string
	query    map[string]string
}

// Parse parses a raw URL such as wss://gateway.discord.gg/?v=10.
// The port defaults to 443 for https and wss and to 80 otherwise.
// Duplicate query keys keep the last value.
func Parse(raw string) (Endpoint, error) {
	if !strings.Contains(raw, "://") {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrMissingScheme, raw)
	}

	u := fasthttp.AcquireURI()
	defer fasthttp.ReleaseURI(u)

	err := u.Parse(nil, []byte(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to parse uri: %w", err)
	}

	endpoint := Endpoint{
		scheme:   strings.ToLower(string(u.Scheme())),
		path:     string(u.PathOriginal()),
		rawQuery: string(u.QueryString()),
		query:    make(map[string]string),
	}

	if endpoint.path == "" {
		endpoint.path = "/"
	}

	host := string(u.Host())
	port := ""

	if h, p, err := net.SplitHostPort(host); err == nil {
		host, port = h, p
	}

	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrMissingHost, raw)
	}

	endpoint.host = strings.ToLower(host)

	if net.ParseIP(endpoint.host) == nil {
		endpoint.host, err = idna.Lookup.ToASCII(endpoint.host)
		if err != nil {
			return Endpoint{}, fmt.Errorf("failed to convert host: %w", err)
		}
	}

	if port != "" {
		endpoint.port, err = strconv.Atoi(port)
		if err != nil || endpoint.port <= 0 || endpoint.port > 65535 {
			return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidPort, port)
		}
	} else if endpoint.Secure() {
		endpoint.port = DefaultSecurePort
	} else {
		endpoint.port = DefaultInsecurePort
	}

	u.QueryArgs().VisitAll(func(key, value []byte) {
		endpoint.query[string(key)] = string(value)
	})

	return endpoint, nil
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) Endpoint {
	endpoint, err := Parse(raw)
	if err != nil {
		panic(err)
	}

	return endpoint
}

func (e Endpoint) Scheme() string { return e.scheme }

func (e Endpoint) Host() string { return e.host }

func (e Endpoint) Port() int { return e.port }

func (e Endpoint) Path() string { return e.path }

func (e Endpoint) RawQuery() string { return e.rawQuery }

// Query returns the value of a query parameter.
func (e Endpoint) Query(key string) (string, bool) {
	value, ok := e.query[key]

	return value, ok
}

// QueryParams returns a copy of the query parameters.
func (e Endpoint) QueryParams() map[string]string {
	params := make(map[string]string, len(e.query))
	for k, v := range e.query {
		params[k] = v
	}

	return params
}

// Secure reports if the scheme requires TLS.
func (e Endpoint) Secure() bool {
	return e.scheme == "https" || e.scheme == "wss"
}

// Address returns host:port suitable for dialing.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// HostHeader returns the value for a Host header, omitting default ports.
func (e Endpoint) HostHeader() string {
	if (e.Secure() && e.port == DefaultSecurePort) || (!e.Secure() && e.port == DefaultInsecurePort) {
		return e.host
	}

	return e.Address()
}

// RequestURI returns the path and query string.
func (e Endpoint) RequestURI() string {
	if e.rawQuery == "" {
		return e.path
	}

	return e.path + "?" + e.rawQuery
}

// WithQuery returns a copy of the endpoint with the parameters set, sorted by key.
func (e Endpoint) WithQuery(params map[string]string) Endpoint {
	query := e.QueryParams()
	for k, v := range params {
		query[k] = v
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var sb strings.Builder

	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}

		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(query[k]))
	}

	e.query = query
	e.rawQuery = sb.String()

	return e
}

func (e Endpoint) String() string {
	return e.scheme + "://" + e.HostHeader() + e.RequestURI()
}
