// Package call implements the webhook-driven conversation loop. Twilio is
// the clock: every carrier webhook is one tick, and the response document
// tells the carrier what to say and when to listen again. The service keeps
// no per-call state of its own; everything lives in the store so any
// instance can answer any webhook.
package call

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/callscout-ai/voice-service/internal/config"
	"github.com/callscout-ai/voice-service/internal/domain"
	"github.com/callscout-ai/voice-service/internal/reply"
	"github.com/callscout-ai/voice-service/internal/store"
	"github.com/callscout-ai/voice-service/internal/telephony"
	"github.com/callscout-ai/voice-service/pkg/logger"
	"github.com/callscout-ai/voice-service/pkg/retry"
)

// Canned lines used when the reply generator is unavailable or the
// conversation has to be cut off.
const (
	fallbackReprompt  = "I'm sorry, I didn't catch that. Could you say that again?"
	fallbackKeepAlive = "I see. Could you tell me a bit more about that?"
	goodbyeDegraded   = "I'm sorry, I'm having a little trouble on my end. Thank you so much for your time. Goodbye!"
	goodbyeCutoff     = "Thank you so much for your time, this has been really helpful. Have a great day!"
)

// CarrierControl is the slice of the dispatcher the flow service needs to
// force-hang-up a live carrier call.
type CarrierControl interface {
	EndCall(ctx context.Context, sid string) error
}

// Service drives one conversation tick per carrier webhook.
type Service struct {
	store   store.Store
	gen     reply.Generator
	carrier CarrierControl
	cfg     config.FlowConfig

	publicBaseURL string
	streamBaseURL string

	sleep retry.Sleep
	now   func() time.Time
}

func NewService(st store.Store, gen reply.Generator, carrier CarrierControl, cfg config.FlowConfig, publicBaseURL, streamBaseURL string) *Service {
	return &Service{
		store:         st,
		gen:           gen,
		carrier:       carrier,
		cfg:           cfg,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		streamBaseURL: strings.TrimRight(streamBaseURL, "/"),
		sleep:         retry.RealSleep,
		now:           time.Now,
	}
}

// SetCarrier wires the carrier control after construction. The dialer needs
// the service's webhook URLs, so the two are built in sequence.
func (s *Service) SetCarrier(c CarrierControl) {
	s.carrier = c
}

// GatherURL is the webhook the carrier posts recognized speech to. Run and
// call identity travel in the query string so the webhook itself is
// stateless.
func (s *Service) GatherURL(runID, callID string) string {
	q := url.Values{"runId": {runID}, "callId": {callID}}
	return s.publicBaseURL + "/twilio/gather?" + q.Encode()
}

// AnswerURL is the webhook the carrier fetches when the callee picks up.
func (s *Service) AnswerURL(runID, callID string) string {
	q := url.Values{"runId": {runID}, "callId": {callID}}
	return s.publicBaseURL + "/twilio/answer?" + q.Encode()
}

// StatusURL receives carrier lifecycle callbacks.
func (s *Service) StatusURL(runID, callID string) string {
	q := url.Values{"runId": {runID}, "callId": {callID}}
	return s.publicBaseURL + "/twilio/status?" + q.Encode()
}

// HandleAnswer runs when the callee picks up: the call is promoted to
// connected, the opening line is spoken, and when media streaming is
// configured the call audio is forked to the broker.
func (s *Service) HandleAnswer(ctx context.Context, runID, callID string) (string, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	call, err := s.store.TransitionCall(ctx, runID, callID, store.Transition{State: domain.CallStateConnected})
	if err != nil {
		return "", err
	}

	opening := run.Prep.OpeningLine(call.Lead.Name)
	s.appendAITurn(ctx, runID, call, opening)

	resp := telephony.NewResponse()
	if s.streamBaseURL != "" {
		resp.StartStream(s.streamBaseURL+"/twilio/stream/"+callID, map[string]string{"runId": runID})
	}
	resp.GatherSpeech(s.GatherURL(runID, callID), s.listenTimeout(opening), opening)
	resp.Redirect(s.GatherURL(runID, callID))

	logger.L().Info("call answered",
		zap.String("run_id", runID),
		zap.String("call_id", callID),
		zap.String("lead", call.Lead.Name))
	return resp.Render()
}

// HandleGather is one conversation tick: the callee's recognized speech comes
// in, the next AI line goes out. Low-confidence speech is treated as silence.
func (s *Service) HandleGather(ctx context.Context, runID, callID, speech string, confidence float64) (string, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	// A gather can reach us before (or without) the answer webhook. Either
	// webhook promotes the call; the transition is a no-op when it already
	// happened.
	call, err := s.store.TransitionCall(ctx, runID, callID, store.Transition{State: domain.CallStateConnected})
	if err != nil {
		return "", err
	}

	turns, err := s.store.Conversation(ctx, runID, callID)
	if err != nil {
		return "", err
	}
	humanTurns := countSpeaker(turns, domain.SpeakerHuman)

	if humanTurns >= s.cfg.MaxConversationTurns {
		logger.L().Info("conversation cutoff reached",
			zap.String("call_id", callID),
			zap.Int("human_turns", humanTurns))
		return s.sayGoodbye(ctx, runID, call, goodbyeCutoff)
	}

	speech = strings.TrimSpace(speech)
	heard := speech != "" && confidence >= s.cfg.ConfidenceThreshold
	if !heard {
		if speech != "" {
			logger.L().Debug("discarding low-confidence speech",
				zap.String("call_id", callID),
				zap.Float64("confidence", confidence))
		}
		if trailingAIRepeats(turns, fallbackReprompt) >= s.cfg.FallbackRepeatLimit {
			return s.sayGoodbye(ctx, runID, call, goodbyeDegraded)
		}
		s.appendAITurn(ctx, runID, call, fallbackReprompt)
		return s.gatherResponse(runID, callID, fallbackReprompt)
	}

	s.appendHumanTurn(ctx, runID, call, speech)
	turns = append(turns, domain.TranscriptTurn{Speaker: domain.SpeakerHuman, Text: speech})

	if call.IsTakenOver {
		// An operator has the conversation; keep listening, say nothing.
		resp := telephony.NewResponse().
			GatherSpeech(s.GatherURL(runID, callID), s.cfg.ListenTimeoutFloor, "").
			Redirect(s.GatherURL(runID, callID))
		return resp.Render()
	}

	next, err := s.generateWithRetry(ctx, run.Prep, turns, speech)
	if err != nil {
		logger.L().Warn("reply generation failed, degrading",
			zap.String("call_id", callID),
			zap.Error(err))
		if humanTurns+1 >= s.cfg.LongConversationTurns {
			return s.sayGoodbye(ctx, runID, call, goodbyeDegraded)
		}
		if trailingAIRepeats(turns, fallbackKeepAlive) >= s.cfg.FallbackRepeatLimit {
			return s.sayGoodbye(ctx, runID, call, goodbyeDegraded)
		}
		s.appendAITurn(ctx, runID, call, fallbackKeepAlive)
		return s.gatherResponse(runID, callID, fallbackKeepAlive)
	}

	s.appendAITurn(ctx, runID, call, next.Text)
	if next.Terminate {
		return s.hangupAfter(ctx, runID, call, next.Text)
	}
	return s.gatherResponse(runID, callID, next.Text)
}

// HandleStatus applies a carrier lifecycle callback. Unknown statuses are
// logged and ignored; duration, when reported, overrides the derived one.
func (s *Service) HandleStatus(ctx context.Context, runID, callID, status, answeredBy string, durationSeconds *int) error {
	state, ok := domain.StateFromCarrierStatus(status, answeredBy)
	if !ok {
		logger.L().Warn("unknown carrier call status",
			zap.String("call_id", callID),
			zap.String("status", status))
		return nil
	}
	call, err := s.store.TransitionCall(ctx, runID, callID, store.Transition{State: state, DurationSeconds: durationSeconds})
	if err != nil {
		return err
	}
	logger.L().Info("carrier status applied",
		zap.String("run_id", runID),
		zap.String("call_id", callID),
		zap.String("status", status),
		zap.String("state", string(call.State)))
	return nil
}

// SetListening toggles the operator listen flag.
func (s *Service) SetListening(ctx context.Context, runID, callID string, v bool) error {
	return s.store.SetListening(ctx, runID, callID, v)
}

// SetTakenOver toggles operator takeover. While taken over the AI stops
// replying and the call keeps gathering speech for the transcript.
func (s *Service) SetTakenOver(ctx context.Context, runID, callID string, v bool) error {
	return s.store.SetTakenOver(ctx, runID, callID, v)
}

// EndCall terminates a call from the operator side. The local transition is
// authoritative; hanging up the carrier leg is best effort.
func (s *Service) EndCall(ctx context.Context, runID, callID string) error {
	call, err := s.store.GetCall(ctx, runID, callID)
	if err != nil {
		return err
	}
	if call.State.Terminal() {
		// Already over; don't poke the carrier again.
		return nil
	}
	call, err = s.store.TransitionCall(ctx, runID, callID, store.Transition{State: domain.CallStateCompleted})
	if err != nil {
		return err
	}
	if s.carrier != nil && call.ProviderCallSID != "" {
		if err := s.carrier.EndCall(ctx, call.ProviderCallSID); err != nil {
			logger.L().Warn("carrier hangup failed",
				zap.String("call_id", callID),
				zap.String("sid", call.ProviderCallSID),
				zap.Error(err))
		}
	}
	return nil
}

func (s *Service) generateWithRetry(ctx context.Context, prep domain.CallPrep, turns []domain.TranscriptTurn, lastUtterance string) (reply.Reply, error) {
	history := reply.HistoryFromTranscript(turns)
	var out reply.Reply
	err := retry.Do(ctx, s.cfg.ReplyAttempts, s.cfg.ReplyRetryDelay, s.sleep, func(ctx context.Context) error {
		r, err := s.gen.Generate(ctx, prep, history, lastUtterance)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Service) gatherResponse(runID, callID, say string) (string, error) {
	action := s.GatherURL(runID, callID)
	return telephony.NewResponse().
		GatherSpeech(action, s.listenTimeout(say), say).
		Redirect(action).
		Render()
}

func (s *Service) sayGoodbye(ctx context.Context, runID string, call *domain.Call, line string) (string, error) {
	s.appendAITurn(ctx, runID, call, line)
	return s.hangupAfter(ctx, runID, call, line)
}

func (s *Service) hangupAfter(ctx context.Context, runID string, call *domain.Call, spoken string) (string, error) {
	if _, err := s.store.TransitionCall(ctx, runID, call.ID, store.Transition{State: domain.CallStateCompleted}); err != nil {
		logger.L().Error("completing call failed",
			zap.String("call_id", call.ID),
			zap.Error(err))
	}
	return telephony.NewResponse().Say(spoken).Hangup().Render()
}

// listenTimeout sizes the carrier listen window after speaking text: a floor
// plus an estimate of how long the TTS will take.
func (s *Service) listenTimeout(text string) time.Duration {
	rate := s.cfg.SpeakingRateCharsPerSec
	if rate <= 0 {
		rate = 15
	}
	speak := time.Duration(len(text)/rate) * time.Second
	return s.cfg.ListenTimeoutFloor + speak
}

func (s *Service) appendAITurn(ctx context.Context, runID string, call *domain.Call, text string) {
	t0 := s.offsetMs(call)
	turn := &domain.TranscriptTurn{
		ID:        uuid.NewString(),
		CallID:    call.ID,
		Speaker:   domain.SpeakerAI,
		Text:      text,
		Timestamp: s.now(),
		T0Ms:      t0,
		T1Ms:      t0 + speakEstimateMs(text, s.cfg.SpeakingRateCharsPerSec),
	}
	if err := s.store.AppendTurn(ctx, runID, call.ID, turn); err != nil {
		logger.L().Error("appending ai turn failed",
			zap.String("call_id", call.ID),
			zap.Error(err))
	}
}

func (s *Service) appendHumanTurn(ctx context.Context, runID string, call *domain.Call, text string) {
	t0 := s.offsetMs(call)
	turn := &domain.TranscriptTurn{
		ID:        uuid.NewString(),
		CallID:    call.ID,
		Speaker:   domain.SpeakerHuman,
		Text:      text,
		Timestamp: s.now(),
		T0Ms:      t0,
		T1Ms:      t0,
	}
	if err := s.store.AppendTurn(ctx, runID, call.ID, turn); err != nil {
		logger.L().Error("appending human turn failed",
			zap.String("call_id", call.ID),
			zap.Error(err))
	}
}

// offsetMs is the turn's offset from the call connecting.
func (s *Service) offsetMs(call *domain.Call) int64 {
	if call.StartedAt == nil {
		return 0
	}
	d := s.now().Sub(*call.StartedAt)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

func speakEstimateMs(text string, rate int) int64 {
	if rate <= 0 {
		rate = 15
	}
	return int64(len(text)) * 1000 / int64(rate)
}

func countSpeaker(turns []domain.TranscriptTurn, sp domain.Speaker) int {
	n := 0
	for _, t := range turns {
		if t.Speaker == sp {
			n++
		}
	}
	return n
}

// trailingAIRepeats counts how many of the most recent assistant turns were
// exactly line, skipping over human turns, stopping at the first assistant
// turn that said something else. A call stuck repeating the same canned line
// is going nowhere and gets hung up.
func trailingAIRepeats(turns []domain.TranscriptTurn, line string) int {
	n := 0
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Speaker != domain.SpeakerAI {
			continue
		}
		if turns[i].Text != line {
			break
		}
		n++
	}
	return n
}
