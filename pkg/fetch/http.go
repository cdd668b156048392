package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxBody    = 4 << 20
	defaultUserAgent  = "pollsync/1.0"
	defaultAcceptType = "application/json"
)

// HTTPFetcher fetches JSON over HTTP.
type HTTPFetcher struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPFetcher returns a fetcher using client, or a fresh client if nil.
// Per-request timeouts come from Target.Options.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client, maxBody: DefaultMaxBody}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, target Target) (json.RawMessage, error) {
	opts := target.Options
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target.URL, body)
	if err != nil {
		return nil, &Error{Kind: KindRequest, Message: err.Error(), Err: err}
	}
	req.Header.Set("Accept", defaultAcceptType)
	req.Header.Set("User-Agent", defaultUserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.transportError(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, f.transportError(ctx, reqCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:       KindStatus,
			Message:    fmt.Sprintf("remote returned status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
	if int64(len(data)) > f.maxBody {
		return nil, &Error{Kind: KindDecode, Message: fmt.Sprintf("response exceeds %d bytes", f.maxBody)}
	}
	if !json.Valid(data) {
		return nil, &Error{Kind: KindDecode, Message: "response is not valid JSON"}
	}
	return json.RawMessage(data), nil
}

// transportError keeps caller cancellation recognisable and classifies
// everything else.
func (f *HTTPFetcher) transportError(parent, reqCtx context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("fetch cancelled: %w", context.Canceled)
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
}
