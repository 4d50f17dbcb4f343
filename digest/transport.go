package digest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrAuthenticationFailed is returned by Transport when the Digest handshake
// cannot be completed: the 401 carries no answerable Digest challenge, or
// the issuer rejects the computed response.
var ErrAuthenticationFailed = errors.New("digest authentication failed")

// Transport is an http.RoundTripper that answers Digest challenges. It sends
// the request once; on a 401 with a Digest challenge it computes the
// response and retries exactly once. A malformed or non-Digest challenge,
// and a second 401 after the retry, are hard failures returned as errors
// wrapping ErrAuthenticationFailed.
type Transport struct {
	Credentials Credentials

	// Base is the underlying transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// OnRetry, when set, is called once per challenge just before the
	// authenticated retry is sent. Set it before the first request.
	OnRetry func(req *http.Request)
}

var _ http.RoundTripper = (*Transport)(nil)

// NewTransport creates a Transport with the given credentials over base.
func NewTransport(username, password string, base http.RoundTripper) *Transport {
	return &Transport{
		Credentials: Credentials{Username: username, Password: password},
		Base:        base,
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
//
// Requests with a body must be replayable: either GetBody is set (true for
// requests built by http.NewRequest with a bytes or strings reader) or the
// body is buffered here before the first attempt.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	getBody := req.GetBody
	if req.Body != nil && getBody == nil {
		buf, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body for digest retry: %w", err)
		}
		getBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
		req.Body = io.NopCloser(bytes.NewReader(buf))
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	challenge, chErr := ParseChallenge(header)
	if chErr != nil {
		drain(resp)
		return nil, fmt.Errorf("%w: unanswerable challenge: %v", ErrAuthenticationFailed, chErr)
	}

	auth, err := challenge.Authorization(t.Credentials, req.Method, req.URL.RequestURI())
	if err != nil {
		drain(resp)
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	// The first response is replaced by the retry; drain it so the
	// underlying connection can be reused.
	drain(resp)

	retry := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body for digest retry: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", auth)

	if t.OnRetry != nil {
		t.OnRetry(retry)
	}

	retryResp, err := t.base().RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	if retryResp.StatusCode == http.StatusUnauthorized {
		drain(retryResp)
		return nil, fmt.Errorf("%w: credentials rejected by issuer", ErrAuthenticationFailed)
	}

	return retryResp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
