package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"loginpilot/internal/adapter/stream"
	"loginpilot/internal/domain"
)

// Client runs pipeline requests against a remote gateway.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

var _ domain.PipelineRunner = (*Client)(nil)

// NewClient creates a Client for the gateway at baseURL. A nil httpClient
// uses one without an overall timeout, since streams are long-lived.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

// Run posts req and forwards every streamed event to sink. It returns
// domain.ErrPipelineStatus for a non-200 answer and
// domain.ErrStreamIncomplete when the stream ends without a terminal event.
func (c *Client) Run(ctx context.Context, req domain.PipelineRequest, sink domain.EventSink) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/login/verify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", stream.ContentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("pipeline request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %d %s", domain.ErrPipelineStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return forward(ctx, resp.Body, sink)
}

// forward decodes a progress stream into sink and checks it ended with a
// terminal event.
func forward(ctx context.Context, r io.Reader, sink domain.EventSink) error {
	terminal := false
	err := stream.Decode(ctx, r, func(ev domain.ProgressEvent) {
		if ev.Terminal() {
			terminal = true
		}
		sink(ev)
	})
	if err != nil {
		return err
	}
	if !terminal {
		return domain.ErrStreamIncomplete
	}
	return nil
}

// LocalRunner runs a pipeline in process but still passes its events
// through the stream codec, so local and remote runs behave alike.
type LocalRunner struct {
	Pipeline domain.PipelineRunner
}

var _ domain.PipelineRunner = LocalRunner{}

// Run executes req. It returns after the pipeline, cleanup included, has
// finished.
func (l LocalRunner) Run(ctx context.Context, req domain.PipelineRequest, sink domain.EventSink) error {
	done := make(chan error, 1)
	rc := stream.Pipe(func(w *stream.Writer) {
		done <- l.Pipeline.Run(ctx, req, w.Sink())
	})

	fwdErr := forward(ctx, rc, sink)
	_ = rc.Close()
	runErr := <-done

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case runErr != nil:
		return runErr
	default:
		return fwdErr
	}
}
