package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/opsvoice/voice-core/core/audio"
	"github.com/opsvoice/voice-core/core/voicecapture"
)

// AudioInput provides microphone audio in the encoding it advertises.
type AudioInput interface {
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
	EncodingInfo() audio.EncodingInfo
}

// Recognizer streams microphone audio to Deepgram's live transcription
// endpoint and maps its responses onto capture callbacks: interim results are
// reported as they arrive, finalized segments accumulate until the utterance
// ends.
type Recognizer struct {
	apiKey   string
	model    string
	language string
	input    AudioInput

	conn   *websocket.Conn
	connMu sync.Mutex

	// lastAudio holds the unix nanos of the most recent mic chunk so the
	// silence generator knows when the mic has gone quiet.
	lastAudio atomic.Int64

	stateMu        sync.Mutex
	accumulated    string
	unendedSegment bool
	finalized      bool

	aborted atomic.Bool

	callbacks voicecapture.Callbacks
}

type RecognizerOption func(*Recognizer)

// WithAPIKey overrides the DEEPGRAM_API_KEY environment variable.
func WithAPIKey(apiKey string) RecognizerOption {
	return func(r *Recognizer) {
		r.apiKey = apiKey
	}
}

func WithModel(model string) RecognizerOption {
	return func(r *Recognizer) {
		r.model = model
	}
}

func WithLanguage(language string) RecognizerOption {
	return func(r *Recognizer) {
		r.language = language
	}
}

func NewRecognizer(input AudioInput, opts ...RecognizerOption) *Recognizer {
	recognizer := &Recognizer{
		input:    input,
		model:    "nova-3",
		language: "en-US",
	}

	for _, opt := range opts {
		opt(recognizer)
	}

	return recognizer
}

func (r *Recognizer) Start(ctx context.Context, callbacks voicecapture.Callbacks) error {
	encoding := r.input.EncodingInfo()
	if err := validateEncoding(encoding); err != nil {
		return fmt.Errorf("invalid encoding: %w", err)
	}

	r.callbacks = withNoopDefaults(callbacks)
	r.stateMu.Lock()
	r.accumulated = ""
	r.unendedSegment = false
	r.finalized = false
	r.stateMu.Unlock()
	r.aborted.Store(false)

	conn, err := r.connectWebsocket(encoding)
	if err != nil {
		return fmt.Errorf("failed to open websocket: %w", err)
	}
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()

	if err := r.input.StartCapture(ctx, r.sendAudio); err != nil {
		conn.Close()
		return fmt.Errorf("failed to start microphone capture: %w", err)
	}

	go r.readAndProcessMessages(ctx, conn)

	return nil
}

// Stop flushes the transcription stream. Deepgram finalizes any pending
// segment and closes the connection, so the final transcript still arrives
// through the callbacks.
func (r *Recognizer) Stop() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.conn == nil {
		return nil
	}
	if err := r.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("failed to flush transcription stream: %w", err)
	}
	return nil
}

// Abort tears the recognizer down without waiting for a final transcript.
func (r *Recognizer) Abort() error {
	r.aborted.Store(true)

	if err := r.input.StopCapture(); err != nil {
		log.Println("Failed to stop microphone capture", "error", err)
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	return nil
}

func (r *Recognizer) connectWebsocket(encoding audio.EncodingInfo) (*websocket.Conn, error) {
	apiKey := r.apiKey
	if apiKey == "" {
		var ok bool
		if apiKey, ok = os.LookupEnv("DEEPGRAM_API_KEY"); !ok {
			return nil, fmt.Errorf("deepgram api key not found")
		}
	}

	listenUrl, _ := url.Parse("wss://api.deepgram.com/v1/listen")
	queryParams := listenUrl.Query()
	queryParams.Set("encoding", encoding.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", r.model)
	queryParams.Set("language", r.language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("interim_results", "true")
	queryParams.Set("utterance_end_ms", "1000")
	queryParams.Set("endpointing", "300")
	queryParams.Set("vad_events", "true")

	listenUrl.RawQuery = queryParams.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(listenUrl.String(),
		http.Header{"Authorization": {"Token " + apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	return conn, nil
}

func (r *Recognizer) sendAudio(chunk []byte) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return
	}

	r.lastAudio.Store(time.Now().UnixNano())
	if err := r.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		log.Println("Failed to write to deepgram client", "error", err)
	}
}

func (r *Recognizer) sendSilence(chunk []byte) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return
	}

	if err := r.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		log.Println("Failed to write silence to deepgram client", "error", err)
	}
}

func (r *Recognizer) sendKeepAlive() {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return
	}

	if err := r.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: "KeepAlive"}); err != nil {
		log.Println("Failed to write keep-alive to deepgram client", "error", err)
	}
}

func (r *Recognizer) readAndProcessMessages(ctx context.Context, conn *websocket.Conn) {
	silenceCtx, silenceCancel := context.WithCancel(ctx)
	defer silenceCancel()

	go r.generateSilence(silenceCtx, r.input.EncodingInfo())

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if !r.aborted.Load() && err.Error() != "websocket: close 1000 (normal)" {
				log.Println("Failed to read deepgram websocket message", "error", err)
			}

			r.connMu.Lock()
			r.conn = nil
			r.connMu.Unlock()
			conn.Close()
			r.settleAfterClose()
			return
		}
		if msgType != websocket.BinaryMessage {
			r.processMessage(msg)
		}
	}
}

// settleAfterClose reports the outcome of a stream that ended without an
// explicit utterance end: an abort, pending accumulated speech, or silence.
func (r *Recognizer) settleAfterClose() {
	if err := r.input.StopCapture(); err != nil {
		log.Println("Failed to stop microphone capture", "error", err)
	}

	if r.aborted.Load() {
		r.callbacks.OnError(voicecapture.ErrAborted)
	} else {
		r.finalize()
	}

	r.callbacks.OnClosed()
}

func (r *Recognizer) processMessage(msg []byte) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		log.Println("Failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			log.Println("Failed to unmarshal deepgram message", err)
			return
		}
		if len(msgResp.Channel.Alternatives) == 0 {
			return
		}
		transcript := strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript)
		if len(transcript) == 0 {
			return
		}

		if msgResp.IsFinal {
			r.stateMu.Lock()
			r.accumulated = strings.TrimSpace(r.accumulated + " " + transcript)
			r.stateMu.Unlock()
			if msgResp.SpeechFinal {
				r.finalize()
			}
			return
		}

		r.stateMu.Lock()
		interim := strings.TrimSpace(r.accumulated + " " + transcript)
		r.stateMu.Unlock()
		r.callbacks.OnInterim(interim)

	case api.TypeUtteranceEndResponse:
		r.stateMu.Lock()
		unended := r.unendedSegment
		r.stateMu.Unlock()
		if unended {
			r.finalize()
		}

	case api.TypeSpeechStartedResponse:
		r.stateMu.Lock()
		r.unendedSegment = true
		r.stateMu.Unlock()
		r.callbacks.OnStarted()
	}
}

// finalize reports the utterance outcome exactly once: the accumulated
// transcript when there is one, a no-speech outcome otherwise.
func (r *Recognizer) finalize() {
	r.stateMu.Lock()
	if r.finalized {
		r.stateMu.Unlock()
		return
	}
	r.finalized = true
	r.unendedSegment = false
	full := strings.TrimSpace(r.accumulated)
	r.accumulated = ""
	r.stateMu.Unlock()

	if len(full) == 0 {
		r.callbacks.OnError(voicecapture.ErrNoSpeech)
		return
	}
	r.callbacks.OnFinal(full)
}

// generateSilence keeps the transcription stream alive while the mic is quiet:
// short gaps are padded with silence so endpointing keeps working, longer ones
// fall back to keep-alive messages.
func (r *Recognizer) generateSilence(ctx context.Context, encoding audio.EncodingInfo) {
	const durationMs = 50
	const millisecondsPerSecond = 1000
	ticker := time.NewTicker(durationMs * time.Millisecond)
	defer ticker.Stop()

	chunk := make([]byte, encoding.SampleRate*encoding.Format.ByteSize()*durationMs/millisecondsPerSecond)
	for i := range chunk {
		chunk[i] = encoding.SilenceValue()
	}

	var silenceStart time.Time
	var lastKeepAlive time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sinceAudio := time.Since(time.Unix(0, r.lastAudio.Load()))
			if sinceAudio.Milliseconds() <= durationMs {
				silenceStart = time.Time{}
				continue
			}

			if silenceStart.IsZero() {
				silenceStart = time.Now()
			}

			if time.Since(silenceStart) < time.Second {
				r.sendSilence(chunk)
				continue
			}

			if lastKeepAlive.IsZero() || time.Since(lastKeepAlive) >= 5*time.Second {
				lastKeepAlive = time.Now()
				r.sendKeepAlive()
			}
		}
	}
}

func withNoopDefaults(callbacks voicecapture.Callbacks) voicecapture.Callbacks {
	if callbacks.OnStarted == nil {
		callbacks.OnStarted = func() {}
	}
	if callbacks.OnInterim == nil {
		callbacks.OnInterim = func(string) {}
	}
	if callbacks.OnFinal == nil {
		callbacks.OnFinal = func(string) {}
	}
	if callbacks.OnError == nil {
		callbacks.OnError = func(error) {}
	}
	if callbacks.OnClosed == nil {
		callbacks.OnClosed = func() {}
	}
	return callbacks
}
