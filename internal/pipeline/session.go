package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/audio"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/llm"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/stt"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/types"
)

const (
	// sttSampleRate is the rate caller audio is upsampled to before
	// transcription. Providers transcribe telephony speech noticeably better
	// at 16 kHz than at the 8 kHz wire rate.
	sttSampleRate = 16000

	// eventChanBuf is the buffer depth of the session event stream.
	eventChanBuf = 64

	// turnChanBuf bounds queued turn requests. Callers rarely stack more
	// than one utterance while the agent is speaking.
	turnChanBuf = 8

	// historyTrimRatio is the share of the model context window the
	// conversation history may occupy before old turns are dropped.
	historyTrimRatio = 0.75
)

// AgentProvider exposes the named pipeline behind the agent.Provider
// contract so the engine drives composed pipelines and full-agent backends
// uniformly. An empty name selects the active pipeline at call start.
func (o *Orchestrator) AgentProvider(name string) agent.Provider {
	return &sessionProvider{orc: o, pipeline: name}
}

type sessionProvider struct {
	orc      *Orchestrator
	pipeline string
}

func (p *sessionProvider) Name() string {
	if p.pipeline == "" {
		return "pipeline"
	}
	return "pipeline:" + p.pipeline
}

// Start resolves the pipeline for the call and opens the STT stream. The
// greeting, when configured, is queued as the first agent turn.
func (p *sessionProvider) Start(ctx context.Context, cfg agent.StartConfig) (agent.Session, error) {
	res, err := p.orc.Resolve(cfg.CallID, p.pipeline)
	if err != nil {
		return nil, err
	}

	inRate := cfg.InputFormat.SampleRate
	if inRate <= 0 {
		inRate = agent.TelephonyFormat.SampleRate
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		orc:    p.orc,
		res:    res,
		cfg:    cfg,
		log:    p.orc.log.With("call_id", cfg.CallID, "pipeline", res.Name),
		ctx:    sctx,
		cancel: cancel,
		events: make(chan agent.Event, eventChanBuf),
		turns:  make(chan turnRequest, turnChanBuf),
		norm: agent.NewNormalizer(res.TTS.OutputFormat(),
			res.TTS.OutputFormat() == audio.Format{}, p.orc.log),
		resampler: audio.NewResampler(inRate, sttSampleRate),
	}

	s.sttSess, err = res.STT.StartStream(sctx, stt.StreamConfig{
		SampleRate: sttSampleRate,
		Channels:   1,
	})
	if err != nil {
		cancel()
		p.orc.Release(cfg.CallID)
		return nil, fmt.Errorf("pipeline: start stt stream: %w", err)
	}

	s.wg.Add(2)
	go s.transcriptLoop()
	go s.turnLoop()

	if cfg.Greeting != "" {
		s.enqueue(turnRequest{speak: cfg.Greeting})
	}
	s.ready.Store(true)
	return s, nil
}

// turnRequest is one unit of work for the turn loop. Exactly one field is
// set: userText runs a model turn, speak synthesises fixed text, and
// regenerate re-runs the model after a tool result landed in the history.
type turnRequest struct {
	userText   string
	speak      string
	regenerate bool
}

// session drives one call's STT -> LLM -> TTS conversation loop.
type session struct {
	orc *Orchestrator
	res *Resolution
	cfg agent.StartConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events chan agent.Event
	turns  chan turnRequest
	wg     sync.WaitGroup

	sttSess   stt.SessionHandle
	resampler *audio.Resampler
	norm      *agent.Normalizer

	ready  atomic.Bool
	closed atomic.Bool

	mu      sync.Mutex
	history []types.Message
}

var _ agent.Session = (*session)(nil)

// SendAudio converts caller audio to 16 kHz PCM and feeds the STT stream.
func (s *session) SendAudio(chunk []byte) error {
	if s.closed.Load() {
		return agent.ErrSessionClosed
	}
	pcm := audio.Decode(s.cfg.InputFormat.Encoding, chunk)
	pcm = s.resampler.Process(pcm)
	if len(pcm) == 0 {
		return nil
	}
	return s.sttSess.SendAudio(pcm)
}

// InjectMessage speaks text directly, bypassing the model.
func (s *session) InjectMessage(_ context.Context, text string) error {
	if s.closed.Load() {
		return agent.ErrSessionClosed
	}
	s.enqueue(turnRequest{speak: text})
	return nil
}

// SendToolResult appends the tool output to the history and re-runs the
// model so it can speak about the result.
func (s *session) SendToolResult(_ context.Context, toolCallID, name, content string) error {
	if s.closed.Load() {
		return agent.ErrSessionClosed
	}
	s.mu.Lock()
	s.history = append(s.history, types.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: toolCallID,
	})
	s.mu.Unlock()
	s.log.Debug("tool result recorded", "tool", name, "tool_call_id", toolCallID)
	s.enqueue(turnRequest{regenerate: true})
	return nil
}

func (s *session) Events() <-chan agent.Event { return s.events }

func (s *session) OutputFormat() audio.Format { return agent.TelephonyFormat }

func (s *session) Ready() bool { return s.ready.Load() && !s.closed.Load() }

// Close tears down the session and releases the call's pipeline adapters.
func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	err := s.sttSess.Close()
	s.wg.Wait()
	close(s.events)
	s.orc.Release(s.cfg.CallID)
	return err
}

// enqueue hands a turn request to the turn loop, dropping it if the session
// is shutting down or the queue is full.
func (s *session) enqueue(req turnRequest) {
	select {
	case s.turns <- req:
	case <-s.ctx.Done():
	default:
		s.log.Warn("turn queue full, dropping request")
	}
}

// emit delivers an event without blocking shutdown.
func (s *session) emit(ev agent.Event) {
	ev.CallID = s.cfg.CallID
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// transcriptLoop consumes STT output. Finals become model turns; partials
// are only logged, barge-in is detected upstream from caller audio energy.
func (s *session) transcriptLoop() {
	defer s.wg.Done()
	partials := s.sttSess.Partials()
	finals := s.sttSess.Finals()
	for {
		select {
		case <-s.ctx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if t.Text != "" {
				s.log.Debug("partial transcript", "text", t.Text)
			}
		case t, ok := <-finals:
			if !ok {
				return
			}
			text := strings.TrimSpace(t.Text)
			if text == "" {
				continue
			}
			s.emit(agent.Event{Type: agent.EventConversationText, Role: "user", Text: text})
			s.enqueue(turnRequest{userText: text})
		}
	}
}

// turnLoop serialises turns: one model response or spoken injection at a
// time, in arrival order.
func (s *session) turnLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.turns:
			switch {
			case req.speak != "":
				s.speak(req.speak)
			case req.userText != "" || req.regenerate:
				s.runTurn(req.userText)
			}
		}
	}
}

// speak synthesises fixed text and records it as an assistant turn.
func (s *session) speak(text string) {
	s.mu.Lock()
	s.history = append(s.history, types.Message{Role: "assistant", Content: text})
	s.mu.Unlock()

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)
	if err := s.synthesize(textCh); err != nil {
		s.log.Error("synthesis failed", "error", err)
		return
	}
	s.emit(agent.Event{Type: agent.EventConversationText, Role: "assistant", Text: text})
}

// runTurn executes one model turn: stream the completion, feed complete
// sentences to TTS as they form, and surface tool calls.
func (s *session) runTurn(userText string) {
	s.mu.Lock()
	if userText != "" {
		s.history = append(s.history, types.Message{Role: "user", Content: userText})
	}
	s.trimHistoryLocked()
	messages := make([]types.Message, len(s.history))
	copy(messages, s.history)
	s.mu.Unlock()

	req := llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: s.cfg.SystemPrompt,
		Tools:        s.allowedTools(),
	}
	chunks, err := s.res.LLM.StreamCompletion(s.ctx, req)
	if err != nil {
		s.log.Error("completion failed", "error", err)
		s.emit(agent.Event{Type: agent.EventError, Err: err})
		return
	}

	textCh := make(chan string, 4)
	synthDone := make(chan error, 1)
	go func() {
		synthDone <- s.synthesize(textCh)
	}()

	full, toolCalls := s.forwardSentences(chunks, textCh)
	close(textCh)
	if err := <-synthDone; err != nil {
		s.log.Error("synthesis failed", "error", err)
	}

	spoken, markerCalls := extractToolMarkers(full)
	toolCalls = append(toolCalls, markerCalls...)

	s.mu.Lock()
	s.history = append(s.history, types.Message{
		Role:      "assistant",
		Content:   spoken,
		ToolCalls: toolCalls,
	})
	s.mu.Unlock()

	if spoken != "" {
		s.emit(agent.Event{Type: agent.EventConversationText, Role: "assistant", Text: spoken})
	}
	if len(toolCalls) > 0 {
		s.emit(agent.Event{Type: agent.EventToolCall, ToolCalls: toolCalls})
	}
}

// synthesize pipes text fragments through the TTS adapter and emits the
// normalized audio burst.
func (s *session) synthesize(textCh <-chan string) error {
	audioCh, err := s.res.TTS.SynthesizeStream(s.ctx, textCh)
	if err != nil {
		go audio.Drain(textCh)
		return err
	}
	emitted := false
	for chunk := range audioCh {
		out := s.norm.Push(chunk)
		if len(out) == 0 {
			continue
		}
		emitted = true
		s.emit(agent.Event{Type: agent.EventAgentAudio, Audio: out})
	}
	s.norm.EndBurst()
	if emitted {
		s.emit(agent.Event{Type: agent.EventAgentAudioDone})
	}
	return nil
}

// forwardSentences accumulates streamed tokens, flushing complete sentences
// to textCh eagerly for lower first-audio latency. Text from an opening
// tool-call marker onward is withheld from synthesis. Returns the full
// response text and any native tool calls.
func (s *session) forwardSentences(chunks <-chan llm.Chunk, textCh chan<- string) (string, []types.ToolCall) {
	var (
		full      strings.Builder
		buf       strings.Builder
		toolCalls []types.ToolCall
		muted     bool
	)
	flushSentences := func(final bool) {
		for {
			text := buf.String()
			if i := strings.Index(text, toolMarkerOpen); i >= 0 {
				// Speak what precedes the marker, withhold the rest.
				if lead := strings.TrimSpace(text[:i]); lead != "" && !muted {
					s.send(textCh, lead)
				}
				muted = true
				return
			}
			if muted {
				return
			}
			idx := firstSentenceBoundary(text)
			if idx < 0 {
				break
			}
			s.send(textCh, text[:idx+1])
			buf.Reset()
			buf.WriteString(strings.TrimLeft(text[idx+1:], " \t\n\r"))
		}
		if final && !muted && buf.Len() > 0 {
			if text := strings.TrimSpace(buf.String()); text != "" {
				s.send(textCh, text)
			}
			buf.Reset()
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			go drainChunks(chunks)
			return full.String(), toolCalls
		case chunk, ok := <-chunks:
			if !ok {
				flushSentences(true)
				return full.String(), toolCalls
			}
			if chunk.Text != "" {
				full.WriteString(chunk.Text)
				buf.WriteString(chunk.Text)
			}
			toolCalls = append(toolCalls, chunk.ToolCalls...)
			flushSentences(chunk.FinishReason != "")
			if chunk.FinishReason != "" {
				go drainChunks(chunks)
				return full.String(), toolCalls
			}
		}
	}
}

func (s *session) send(textCh chan<- string, text string) {
	select {
	case textCh <- text:
	case <-s.ctx.Done():
	}
}

// allowedTools filters the offered tool definitions through the pipeline's
// allowlist. An empty allowlist offers everything.
func (s *session) allowedTools() []types.ToolDefinition {
	if len(s.res.Tools) == 0 {
		return s.cfg.Tools
	}
	allowed := make(map[string]bool, len(s.res.Tools))
	for _, name := range s.res.Tools {
		allowed[name] = true
	}
	var out []types.ToolDefinition
	for _, td := range s.cfg.Tools {
		if allowed[td.Name] {
			out = append(out, td)
		}
	}
	return out
}

// trimHistoryLocked drops the oldest turns when the history approaches the
// model's context window. Called with s.mu held.
func (s *session) trimHistoryLocked() {
	caps := s.res.LLM.Capabilities()
	if caps.ContextWindow <= 0 {
		return
	}
	budget := int(float64(caps.ContextWindow) * historyTrimRatio)
	for len(s.history) > 2 {
		n, err := s.res.LLM.CountTokens(s.history)
		if err != nil || n <= budget {
			return
		}
		s.history = s.history[1:]
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// immediately followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainChunks discards the rest of a completion stream so the provider's
// sender goroutine can exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

const (
	toolMarkerOpen  = "<tool_call>"
	toolMarkerClose = "</tool_call>"
)

var toolMarkerRe = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

// markerPayload is the JSON body inside a tool-call marker, the convention
// used by models without native function calling.
type markerPayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// extractToolMarkers strips <tool_call> markers from text and parses each
// into a tool call. Malformed payloads are dropped with the marker.
func extractToolMarkers(text string) (string, []types.ToolCall) {
	if !strings.Contains(text, toolMarkerOpen) {
		return strings.TrimSpace(text), nil
	}
	var calls []types.ToolCall
	for i, m := range toolMarkerRe.FindAllStringSubmatch(text, -1) {
		var p markerPayload
		if err := json.Unmarshal([]byte(m[1]), &p); err != nil || p.Name == "" {
			continue
		}
		args := "{}"
		if len(p.Arguments) > 0 {
			args = string(p.Arguments)
		}
		calls = append(calls, types.ToolCall{
			ID:        fmt.Sprintf("marker_%d", i),
			Name:      p.Name,
			Arguments: args,
		})
	}
	clean := toolMarkerRe.ReplaceAllString(text, "")
	// An unterminated marker at the tail means the model was cut off; drop
	// the fragment rather than speak it.
	if i := strings.Index(clean, toolMarkerOpen); i >= 0 {
		clean = clean[:i]
	}
	return strings.TrimSpace(clean), calls
}
