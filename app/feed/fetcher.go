package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type OutcomeKind int

const (
	Success OutcomeKind = iota
	TransientFailure
	PermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	default:
		return "permanent_failure"
	}
}

// FetchOutcome is the result of one fetch. Body is set only on Success;
// Err is set on either failure kind.
type FetchOutcome struct {
	Kind       OutcomeKind
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

var ErrResponseTooLarge = errors.New("response body exceeds size limit")

// TransportError describes a failed HTTP exchange: a network error, a
// non-2xx status or an oversized body.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type Fetcher struct {
	client    *http.Client
	limiter   *HostLimiter
	userAgent string
	timeout   time.Duration
	maxBytes  int64
}

func NewFetcher(client *http.Client, limiter *HostLimiter, userAgent string, timeout time.Duration, maxBytes int64) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}

	return &Fetcher{
		client:    client,
		limiter:   limiter,
		userAgent: userAgent,
		timeout:   timeout,
		maxBytes:  maxBytes,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) FetchOutcome {
	timeoutCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.limiter.Wait(timeoutCtx, url); err != nil {
		return transient(&TransportError{URL: url, Err: err}, 0, nil)
	}

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
	if err != nil {
		return FetchOutcome{Kind: PermanentFailure, Err: &TransportError{URL: url, Err: err}}
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return transient(&TransportError{URL: url, Err: err}, 0, nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		err := &TransportError{URL: url, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
		if retryableStatus(resp.StatusCode) {
			return transient(err, resp.StatusCode, resp.Header)
		}
		return FetchOutcome{Kind: PermanentFailure, StatusCode: resp.StatusCode, Header: resp.Header, Err: err}
	}

	if resp.ContentLength > f.maxBytes {
		return transient(&TransportError{URL: url, StatusCode: resp.StatusCode, Err: ErrResponseTooLarge}, resp.StatusCode, resp.Header)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return transient(&TransportError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}, resp.StatusCode, resp.Header)
	}
	if int64(len(body)) > f.maxBytes {
		return transient(&TransportError{URL: url, StatusCode: resp.StatusCode, Err: ErrResponseTooLarge}, resp.StatusCode, resp.Header)
	}

	return FetchOutcome{Kind: Success, StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
}

func transient(err error, status int, header http.Header) FetchOutcome {
	return FetchOutcome{Kind: TransientFailure, StatusCode: status, Header: header, Err: err}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
