package turnstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultVoiceA = "English_expressive_narrator"
	defaultVoiceB = "Deep_Voice_Man"

	minDebateTurns = 2
	maxDebateTurns = 12
)

// Client issues requests against the generation service: debate plans, per
// turn event streams and the static voice listing. The service itself is an
// external collaborator; its only visible contract here is the wire shapes
// this client speaks.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	client := &Client{
		baseURL: baseURL,
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

// AgentProfile is one debating party as described by the plan response.
type AgentProfile struct {
	Name        string `json:"name"`
	Perspective string `json:"perspective"`
	Voice       string `json:"voice"`
	Color       string `json:"color"`
}

// Plan is the response to a debate-plan request, consumed once per session.
type Plan struct {
	SessionID string       `json:"session_id"`
	Topic     string       `json:"topic"`
	AgentA    AgentProfile `json:"agent_a"`
	AgentB    AgentProfile `json:"agent_b"`
	NumTurns  int          `json:"num_turns"`
}

type PlanRequest struct {
	Topic    string `json:"topic"`
	NumTurns int    `json:"num_turns"`
	VoiceA   string `json:"voice_a,omitempty"`
	VoiceB   string `json:"voice_b,omitempty"`
	Style    string `json:"style,omitempty"`
}

// normalize mirrors the service's own clamping so the request already carries
// the values the service will use: an even turn count between 2 and 12 and
// the documented default voices.
func (r *PlanRequest) normalize() {
	if r.NumTurns < minDebateTurns {
		r.NumTurns = minDebateTurns
	}
	if r.NumTurns > maxDebateTurns {
		r.NumTurns = maxDebateTurns
	}
	if r.NumTurns%2 != 0 {
		r.NumTurns++
	}
	if r.VoiceA == "" {
		r.VoiceA = defaultVoiceA
	}
	if r.VoiceB == "" {
		r.VoiceB = defaultVoiceB
	}
}

// StartDebate requests a turn plan for the topic: two party profiles and the
// agreed turn count.
func (c *Client) StartDebate(ctx context.Context, req PlanRequest) (*Plan, error) {
	ctx, span := tracer.Start(ctx, "start debate plan", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req.normalize()
	span.SetAttributes(attribute.Int("debate.num_turns", req.NumTurns))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling plan request: %w", err)
	}

	resp, err := c.post(ctx, "/api/debate/start", body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	var plan Plan
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		err = fmt.Errorf("decoding plan response: %v: %w", err, ErrTransport)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return &plan, nil
}

// StreamDebateTurn requests generation of one debate turn and feeds the
// resulting event stream through a decoder, invoking onEvent per complete
// event. Blocks until the stream ends or fails.
func (c *Client) StreamDebateTurn(ctx context.Context, sessionID string, turnNumber int, onEvent func(TurnEvent)) error {
	ctx, span := tracer.Start(ctx, "stream debate turn", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("debate.turn_number", turnNumber))

	body, err := json.Marshal(struct {
		TurnNumber int `json:"turn_number"`
	}{TurnNumber: turnNumber})
	if err != nil {
		return fmt.Errorf("marshalling turn request: %w", err)
	}

	return c.streamTurn(ctx, "/api/debate/"+sessionID+"/turn", body, onEvent)
}

// StreamChatTurn requests generation of one chat reply and consumes its event
// stream. conversationID may be empty for a fresh conversation; the service
// assigns one and echoes it inside the text event.
func (c *Client) StreamChatTurn(ctx context.Context, conversationID, message string, onEvent func(TurnEvent)) error {
	ctx, span := tracer.Start(ctx, "stream chat turn", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	body, err := json.Marshal(struct {
		Message        string `json:"message"`
		ConversationID string `json:"conversation_id,omitempty"`
	}{Message: message, ConversationID: conversationID})
	if err != nil {
		return fmt.Errorf("marshalling chat request: %w", err)
	}

	return c.streamTurn(ctx, "/api/chat/stream", body, onEvent)
}

func (c *Client) streamTurn(ctx context.Context, path string, body []byte, onEvent func(TurnEvent)) error {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return NewDecoder(onEvent).Consume(ctx, resp.Body)
}

// Voice is one synthesis voice advertised by the service.
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Voices fetches the static list of available synthesis voices.
func (c *Client) Voices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/debate/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("creating voices request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching voices: %v: %w", err, ErrTransport)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voices request returned %s: %w", resp.Status, ErrTransport)
	}

	var parsed struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding voices response: %v: %w", err, ErrTransport)
	}

	return parsed.Voices, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %v: %w", err, ErrTransport)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := readErrorDetail(resp.Body)
		resp.Body.Close()
		if message != "" {
			return nil, fmt.Errorf("request returned %s (%s): %w", resp.Status, message, ErrTransport)
		}
		return nil, fmt.Errorf("request returned %s: %w", resp.Status, ErrTransport)
	}

	return resp, nil
}

// readErrorDetail extracts the service's {"detail": ...} message from a
// failure body, best effort.
func readErrorDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}

	var parsed struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ""
	}
	return parsed.Detail
}
