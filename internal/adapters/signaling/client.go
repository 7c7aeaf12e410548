// Package signaling exchanges SDP offers and answers with the streaming
// server over plain HTTP.
package signaling

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dkeye/cctv/internal/domain"
	"github.com/goccy/go-json"
	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout = 10 * time.Second
	StreamTypeLive = "live"

	maxResponseSize = 1 << 20
)

type OfferRequest struct {
	SDP64      string `json:"sdp64"`
	URL        string `json:"url"`
	StreamType string `json:"streamType"`
	Start      string `json:"start"`
	End        string `json:"end"`
}

type AnswerResponse struct {
	SDP64 string `json:"sdp64"`
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeaders adds static headers (e.g. an API token) to every request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			c.headers[k] = v
		}
	}
}

type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	headers  map[string]string
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		timeout:  DefaultTimeout,
		http:     http.DefaultClient,
		headers:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Negotiate posts the offer and returns the decoded answer SDP. The request
// is bounded by the client's own timeout, independent of ctx.
func (c *Client) Negotiate(ctx context.Context, offerSDP string, target domain.StreamTarget) (string, error) {
	logger := log.With().Str("module", "signaling").Str("stream", string(target.ID)).Logger()

	body, err := json.Marshal(OfferRequest{
		SDP64:      base64.StdEncoding.EncodeToString([]byte(offerSDP)),
		URL:        target.Address,
		StreamType: StreamTypeLive,
	})
	if err != nil {
		return "", domain.NewStreamError(domain.KindUnknown, "encode offer", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", domain.NewStreamError(domain.KindConnectionFailed, "build signaling request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.transportError(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	logger.Debug().Int("status", resp.StatusCode).Dur("took", time.Since(started)).Msg("signaling response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return "", domain.Errorf(domain.KindServerError, "signaling server returned %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", c.transportError(ctx, reqCtx, err)
	}

	var ans AnswerResponse
	if err := json.Unmarshal(raw, &ans); err != nil {
		return "", domain.NewStreamError(domain.KindServerError, "malformed signaling response: invalid JSON", err)
	}
	if ans.SDP64 == "" {
		return "", domain.Errorf(domain.KindServerError, "malformed signaling response: missing sdp64")
	}

	answer, err := base64.StdEncoding.DecodeString(ans.SDP64)
	if err != nil {
		return "", domain.NewStreamError(domain.KindServerError, "malformed signaling response: sdp64 is not base64", err)
	}
	if err := validateAnswer(answer); err != nil {
		return "", domain.NewStreamError(domain.KindServerError, "malformed signaling response: invalid SDP answer", err)
	}
	return string(answer), nil
}

func (c *Client) transportError(parent, reqCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return domain.NewStreamError(domain.KindTimeout, fmt.Sprintf("signaling request exceeded %s", c.timeout), err)
	}
	return domain.NewStreamError(domain.KindConnectionFailed, "signaling request failed", err)
}

var errNoMedia = errors.New("answer has no media sections")

func validateAnswer(raw []byte) error {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return err
	}
	if len(sd.MediaDescriptions) == 0 {
		return errNoMedia
	}
	return nil
}
