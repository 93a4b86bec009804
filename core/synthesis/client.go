package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/opsvoice/voice-core/core/audio"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrTransport marks synthesis request failures: connection errors and
// non-success response statuses.
var ErrTransport = errors.New("synthesis transport failure")

// Request describes one synthesis invocation: the text to speak, the voice to
// speak it with and optional prosody adjustments.
type Request struct {
	Text    string
	VoiceID string
	Speed   float64
	Pitch   int
	Emotion string
}

// Client requests synthesized speech over HTTP. The response body is a raw
// audio byte stream in the client's configured encoding; OpenStream hands it
// over while bytes are still arriving, Synthesize collects it whole.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	encodingInfo audio.EncodingInfo
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithEncodingInfo sets the audio encoding requested from the service. It
// should match the output device the fetched bytes will be fed to.
func WithEncodingInfo(encodingInfo audio.EncodingInfo) ClientOption {
	return func(c *Client) {
		c.encodingInfo = encodingInfo
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	client := &Client{
		baseURL:      baseURL,
		encodingInfo: audio.GetDefaultEncodingInfo(),
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return fmt.Sprintf("%s %s", request.Method, request.URL.Path)
			}))},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return c.encodingInfo
}

// OpenSpeechStream issues the synthesis request and returns the response body
// while it is still streaming. The caller owns the returned reader and must
// close it.
func (c *Client) OpenSpeechStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "open speech stream", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.Int("synthesis.text_length", len(req.Text)),
		attribute.String("synthesis.voice", req.VoiceID),
	)

	resp, err := c.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// Synthesize collects the whole audio payload before returning. This is the
// degraded contract for callers that cannot consume a stream.
func (c *Client) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "synthesize speech", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	resp, err := c.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading synthesis response: %v: %w", err, ErrTransport)
	}

	logger.Debug("synthesized speech",
		"bytes", len(payload), "audio_duration", c.encodingInfo.Duration(len(payload)))
	return payload, nil
}

func (c *Client) send(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	speed := req.Speed
	if speed == 0 {
		speed = 1.0
	}

	body, err := json.Marshal(struct {
		Text       string  `json:"text"`
		VoiceID    string  `json:"voice_id"`
		Speed      float64 `json:"speed"`
		Pitch      int     `json:"pitch"`
		Emotion    string  `json:"emotion,omitempty"`
		Stream     bool    `json:"stream"`
		Format     string  `json:"format"`
		SampleRate int     `json:"sample_rate"`
	}{
		Text:       req.Text,
		VoiceID:    req.VoiceID,
		Speed:      speed,
		Pitch:      req.Pitch,
		Emotion:    req.Emotion,
		Stream:     stream,
		Format:     c.encodingInfo.Format.Name(),
		SampleRate: c.encodingInfo.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling synthesis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating synthesis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending synthesis request: %v: %w", err, ErrTransport)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("synthesis request returned %s: %w", resp.Status, ErrTransport)
	}

	return resp, nil
}
