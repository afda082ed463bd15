package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/asm0dey/relaygo/internal/protocol"
)

// DefaultMaxBodySize bounds the origin response body read when
// Client.MaxBodySize is not set (spec §4.H).
const DefaultMaxBodySize = 10 * 1024 * 1024

// skipRequestHeaders are stripped before replaying a REQUEST envelope
// against the local origin server; Host and hop-by-hop headers would
// either be wrong (Host) or double-handled by net/http itself.
var skipRequestHeaders = map[string]bool{
	"host": true,
	"connection": true,
	"keep-alive": true,
	"proxy-authenticate": true,
	"proxy-authorization": true,
	"te": true,
	"trailers": true,
	"transfer-encoding": true,
	"upgrade": true,
}

// originResponse is the HTTP reply from the local origin, captured before
// being translated into a ResponsePayload.
type originResponse struct {
	Status int
	Headers map[string]string
	Body []byte
}

// bodyTooLargeError reports that the origin's response exceeded maxBodySize.
type bodyTooLargeError struct {
	Limit int64
}

func (e *bodyTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeds %d byte limit", e.Limit)
}

// callOrigin replays req against localURL+req.Path (query string preserved)
// and returns the origin's response, or an error. The caller maps every
// such error to a wire code with classifyOriginError, which reports all of
// them, including a failure to build the local request, as ErrorUpstream;
// ErrorServer is not produced on this path.
func callOrigin(localURL string, req *protocol.RequestPayload, maxBodySize int64) (*originResponse, error) {
	target := localURL + req.Path
	if len(req.Query) > 0 {
		values := make([]string, 0, len(req.Query))
		for k, v := range req.Query {
			values = append(values, k+"="+v)
		}
		target += "?" + strings.Join(values, "&")
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequest(req.Method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building local request: %w", err)
	}
	for k, v := range req.Headers {
		if skipRequestHeaders[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	httpClient := &http.Client{
		// Redirects are not followed; the external client decides what to
		// do with a 3xx, same as any reverse proxy that isn't the origin.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil && size > maxBodySize {
			return nil, &bodyTooLargeError{Limit: maxBodySize}
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading origin response body: %w", err)
	}
	if int64(len(body)) > maxBodySize {
		return nil, &bodyTooLargeError{Limit: maxBodySize}
	}

	// Duplicate headers of the same name use the last value (spec §9).
	headers := make(map[string]string, len(resp.Header))
	for k, vs := range resp.Header {
		if len(vs) > 0 {
			headers[k] = vs[len(vs)-1]
		}
	}

	return &originResponse{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

// classifyOriginError maps a callOrigin failure onto the wire ErrorCode and
// operator-facing message sent back to the server (spec §4.H): a body that
// exceeded maxBodySize is ErrorUpstream same as any other origin failure,
// since the origin is what produced the oversized reply; everything else
// (connection refused, DNS failure, timeout) is ErrorUpstream too, because
// from the server's perspective the origin -- not the relay -- is at fault.
func classifyOriginError(err error, maxBodySize int64) (protocol.ErrorCode, string) {
	var tooLarge *bodyTooLargeError
	if errors.As(err, &tooLarge) {
		return protocol.ErrorUpstream, fmt.Sprintf("origin response exceeded %d bytes", tooLarge.Limit)
	}
	return protocol.ErrorUpstream, fmt.Sprintf("origin unreachable: %s", err.Error())
}
