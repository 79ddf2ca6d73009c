// Package dialer places the outbound carrier calls for a run. Each lead is
// dialed on its own goroutine behind a shared rate limiter; one lead's
// failure never touches its siblings.
package dialer

import (
	"context"
	"sync"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/callscout-ai/voice-service/internal/domain"
	"github.com/callscout-ai/voice-service/internal/store"
	"github.com/callscout-ai/voice-service/internal/telephony"
	"github.com/callscout-ai/voice-service/pkg/logger"
)

// carrierAPI is the slice of the Twilio REST client the dialer uses.
// *api.ApiService satisfies it; tests substitute a fake.
type carrierAPI interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// WebhookURLs builds the carrier-facing callback URLs for a call.
type WebhookURLs interface {
	AnswerURL(runID, callID string) string
	StatusURL(runID, callID string) string
}

var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// Dialer dispatches a run's calls through the carrier.
type Dialer struct {
	store    store.Store
	sidIndex store.SIDIndex
	api      carrierAPI
	urls     WebhookURLs

	fromNumber    string
	countryPrefix string
	limiter       *rate.Limiter

	wg sync.WaitGroup
}

// New builds a dialer over a real Twilio REST client.
func New(st store.Store, sidIndex store.SIDIndex, urls WebhookURLs, accountSID, authToken, fromNumber, countryPrefix string, callsPerSecond float64) *Dialer {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newWithAPI(st, sidIndex, urls, client.Api, fromNumber, countryPrefix, callsPerSecond)
}

func newWithAPI(st store.Store, sidIndex store.SIDIndex, urls WebhookURLs, carrier carrierAPI, fromNumber, countryPrefix string, callsPerSecond float64) *Dialer {
	if callsPerSecond <= 0 {
		callsPerSecond = 1
	}
	return &Dialer{
		store:         st,
		sidIndex:      sidIndex,
		api:           carrier,
		urls:          urls,
		fromNumber:    fromNumber,
		countryPrefix: countryPrefix,
		limiter:       rate.NewLimiter(rate.Limit(callsPerSecond), 1),
	}
}

// Dispatch marks the run as calling and dials each call concurrently. It
// returns once dispatch has started; Wait blocks until all dials finish.
func (d *Dialer) Dispatch(ctx context.Context, runID string, calls []*domain.Call) error {
	if err := d.store.SetRunStatus(ctx, runID, domain.RunStatusCalling); err != nil {
		return err
	}
	for _, c := range calls {
		d.wg.Add(1)
		go func(c *domain.Call) {
			defer d.wg.Done()
			d.dialOne(ctx, runID, c)
		}(c)
	}
	return nil
}

// Wait blocks until every in-flight dial has completed.
func (d *Dialer) Wait() {
	d.wg.Wait()
}

func (d *Dialer) dialOne(ctx context.Context, runID string, c *domain.Call) {
	log := logger.L().With(
		zap.String("run_id", runID),
		zap.String("call_id", c.ID),
		zap.String("lead", c.Lead.Name))

	to, err := telephony.NormalizePhone(c.Lead.Phone, d.countryPrefix)
	if err != nil {
		log.Warn("lead phone not dialable", zap.String("phone", c.Lead.Phone), zap.Error(err))
		d.markFailed(ctx, runID, c.ID)
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		log.Warn("dispatch cancelled before dialing", zap.Error(err))
		d.markFailed(ctx, runID, c.ID)
		return
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.fromNumber)
	params.SetUrl(d.urls.AnswerURL(runID, c.ID))
	params.SetStatusCallback(d.urls.StatusURL(runID, c.ID))
	params.SetStatusCallbackEvent(statusCallbackEvents)
	params.SetMachineDetection("Enable")

	resp, err := d.api.CreateCall(params)
	if err != nil {
		log.Error("carrier call creation failed", zap.Error(err))
		d.markFailed(ctx, runID, c.ID)
		return
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	if sid != "" {
		if err := d.store.AttachCallSID(ctx, runID, c.ID, sid); err != nil {
			log.Error("attaching carrier sid failed", zap.String("sid", sid), zap.Error(err))
		}
		if d.sidIndex != nil {
			if err := d.sidIndex.Bind(ctx, sid, runID, c.ID); err != nil {
				log.Warn("sid index bind failed", zap.String("sid", sid), zap.Error(err))
			}
		}
	}

	if _, err := d.store.TransitionCall(ctx, runID, c.ID, store.Transition{State: domain.CallStateDialing}); err != nil {
		log.Error("transition to dialing failed", zap.Error(err))
		return
	}
	log.Info("call dispatched", zap.String("sid", sid), zap.String("to", to))
}

func (d *Dialer) markFailed(ctx context.Context, runID, callID string) {
	if _, err := d.store.TransitionCall(ctx, runID, callID, store.Transition{State: domain.CallStateFailed}); err != nil {
		logger.L().Error("transition to failed failed",
			zap.String("run_id", runID),
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

// EndCall asks the carrier to complete a live call.
func (d *Dialer) EndCall(ctx context.Context, sid string) error {
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := d.api.UpdateCall(sid, params)
	return err
}
