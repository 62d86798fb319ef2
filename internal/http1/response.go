package http1

import (
	"net/http"
	"strings"
)

// Response is one completed HTTP/1.1 response. Ownership passes to the
// callback it is delivered to.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     http.Header
	Body       []byte
}

func newResponse() *Response {
	return &Response{
		Header: make(http.Header),
	}
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HeaderContains reports if any value of a header contains token, ignoring case.
func (r *Response) HeaderContains(key, token string) bool {
	token = strings.ToLower(token)

	for _, value := range r.Header.Values(key) {
		if strings.Contains(strings.ToLower(value), token) {
			return true
		}
	}

	return false
}
