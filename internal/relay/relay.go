// Package relay builds and issues the upstream request (C6) and, for
// streaming responses, drives the Paced Emitter (C7, stream.go).
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/unigw/uniproxy/internal/apierr"
	"github.com/unigw/uniproxy/internal/catalog"
	"github.com/unigw/uniproxy/internal/history"
	"github.com/unigw/uniproxy/internal/metrics"
)

// DefaultTimeout is the relay's default total request budget
// §4.6 / the TIMEOUT_SECONDS environment variable.
const DefaultTimeout = 60 * time.Second

// ComposeURL builds the upstream chat-completions URL from a config's
// base_url, applying exactly one of three composition rules.
func ComposeURL(baseURL string) string {
	switch {
	case strings.HasSuffix(baseURL, "#"):
		return strings.TrimSuffix(baseURL, "#")
	case strings.HasSuffix(baseURL, "/"):
		return baseURL + "chat/completions"
	default:
		return baseURL + "/v1/chat/completions"
	}
}

// RewriteModel rewrites the top-level "model" field of body to actualModel
// when it differs from the client-requested model, returning the
// (possibly unchanged) body.
func RewriteModel(body []byte, actualModel string) ([]byte, error) {
	requested := gjson.GetBytes(body, "model").String()
	if requested == actualModel {
		return body, nil
	}
	out, err := sjson.SetBytes(body, "model", actualModel)
	if err != nil {
		return nil, fmt.Errorf("rewrite model field: %w", err)
	}
	return out, nil
}

// IsStreaming reports whether the request body asks for SSE streaming.
func IsStreaming(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// scrubHeaders clones src, removing Host/Authorization/Content-Length
// (case-insensitively — http.Header keys are already canonicalized by
// net/http, so a direct Del suffices).
func scrubHeaders(src http.Header) http.Header {
	out := src.Clone()
	out.Del("Host")
	out.Del("Authorization")
	out.Del("Content-Length")
	return out
}

// BuildUpstreamRequest composes the outbound *http.Request for a chosen
// candidate: header scrubbing, fresh Authorization/Content-Length, and the
// (possibly model-rewritten) body.
func BuildUpstreamRequest(ctx context.Context, cfg catalog.UpstreamConfig, actualModel string, inbound http.Header, body []byte) (*http.Request, error) {
	rewritten, err := RewriteModel(body, actualModel)
	if err != nil {
		return nil, err
	}

	url := ComposeURL(cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rewritten))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	req.Header = scrubHeaders(inbound)
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	req.ContentLength = int64(len(rewritten))
	return req, nil
}

// Relay issues upstream requests and dispatches streaming ones to the Paced
// Emitter.
type Relay struct {
	client    *http.Client
	history   *history.Log
	logger    *slog.Logger
	timeout   time.Duration
	queueSize int
}

// New builds a Relay. timeout is the per-request total budget (connect +
// read + client write); it is applied as the http.Client's Timeout for the
// non-streaming path, and separately as a context deadline for streaming so
// the emitter can read the remaining budget mid-stream. queueSize bounds the
// drain/emit channel (DESIGN.md, open question (c)); 0 uses DefaultQueueSize.
func New(timeout time.Duration, queueSize int, historyLog *history.Log, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Relay{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return nil // follow redirects
			},
		},
		history:   historyLog,
		logger:    logger,
		timeout:   timeout,
		queueSize: queueSize,
	}
}

// Result is the outcome of a non-streaming forward.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forward issues the request for the chosen candidate. If the request body
// asks for streaming, it writes directly to w via the Paced Emitter
// (streamForward) and returns a
// nil *Result; otherwise it returns the upstream response verbatim.
func (rl *Relay) Forward(ctx context.Context, w http.ResponseWriter, cfg catalog.UpstreamConfig, actualModel string, inboundHeader http.Header, body []byte, historyKey string, priorWindow history.Window) (*Result, *apierr.Error) {
	streaming := IsStreaming(body)
	start := time.Now()

	deadline := time.Now().Add(rl.timeout)
	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	req, err := BuildUpstreamRequest(reqCtx, cfg, actualModel, inboundHeader, body)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "failed to build upstream request", err)
	}

	rl.logger.Info("dispatching upstream request", "upstream_id", cfg.ID, "actual_model", actualModel, "url", req.URL.String(), "streaming", streaming)

	if streaming {
		rl.streamForward(reqCtx, deadline, w, req, historyKey, priorWindow)
		metrics.RequestDuration.WithLabelValues(cfg.ID, actualModel).Observe(time.Since(start).Seconds())
		return nil, nil
	}

	result, aerr := rl.directForward(req)
	metrics.RequestDuration.WithLabelValues(cfg.ID, actualModel).Observe(time.Since(start).Seconds())
	status := "success"
	if aerr != nil {
		status = "error"
		metrics.UpstreamErrors.WithLabelValues(cfg.ID, string(aerr.Kind)).Inc()
	}
	metrics.RequestsTotal.WithLabelValues(cfg.ID, actualModel, status).Inc()
	return result, aerr
}

func (rl *Relay) directForward(req *http.Request) (*Result, *apierr.Error) {
	resp, err := rl.client.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.Transport, "upstream request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.Transport, "failed to read upstream response", err)
	}

	return &Result{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}
