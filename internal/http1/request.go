package http1

import (
	"bytes"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/bytebufferpool"
)

// Request is an outbound HTTP/1.1 request.
type Request struct {
	Method string
	// Target is the request target, usually a path with an optional query.
	Target string
	Host   string
	Header http.Header
	Body   []byte
}

var requestPool bytebufferpool.Pool

// AppendRequest serialises the request onto dst. Host is written first and
// the remaining headers in sorted order. Content-Length is set from the body
// for methods that carry one.
func AppendRequest(dst []byte, req *Request) []byte {
	buf := requestPool.Get()
	defer requestPool.Put(buf)

	_, _ = buf.WriteString(req.Method)
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(req.Target)
	_, _ = buf.WriteString(" HTTP/1.1\r\n")

	if req.Host != "" {
		writeHeader(buf, "Host", req.Host)
	}

	keys := make([]string, 0, len(req.Header))
	for key := range req.Header {
		if http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}

		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		for _, value := range req.Header[key] {
			writeHeader(buf, key, value)
		}
	}

	if len(req.Body) > 0 || hasBody(req.Method) {
		writeHeader(buf, "Content-Length", strconv.Itoa(len(req.Body)))
	}

	_, _ = buf.WriteString("\r\n")
	_, _ = buf.Write(req.Body)

	return append(dst, buf.B...)
}

func writeHeader(buf *bytebufferpool.ByteBuffer, key, value string) {
	_, _ = buf.WriteString(key)
	_, _ = buf.WriteString(": ")
	_, _ = buf.WriteString(value)
	_, _ = buf.WriteString("\r\n")
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// Gzip compresses data at the best compression level.
func Gzip(data []byte) ([]byte, error) {
	var out bytes.Buffer

	writer, err := gzip.NewWriterLevel(&out, gzip.BestCompression)
	if err != nil {
		return nil, err
	}

	_, err = writer.Write(data)
	if err != nil {
		return nil, err
	}

	err = writer.Close()
	if err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

// Gunzip decompresses a gzip stream.
func Gunzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	defer reader.Close()

	return io.ReadAll(reader)
}
