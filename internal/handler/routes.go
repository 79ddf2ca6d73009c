package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/callscout-ai/voice-service/internal/broker"
	"github.com/callscout-ai/voice-service/internal/config"
	"github.com/callscout-ai/voice-service/internal/notifier"
	"github.com/callscout-ai/voice-service/internal/reply"
	callsvc "github.com/callscout-ai/voice-service/internal/services/call"
	"github.com/callscout-ai/voice-service/internal/services/dialer"
	"github.com/callscout-ai/voice-service/internal/store"
	"github.com/callscout-ai/voice-service/pkg/logger"
	"github.com/callscout-ai/voice-service/pkg/redis"
)

// HandlerManager builds all services and wires their routes.
type HandlerManager struct {
	config   *config.Config
	store    store.Store
	sidIndex store.SIDIndex
	flow     *callsvc.Service
	dialer   *dialer.Dialer
	broker   *broker.Broker
	notifier *notifier.Notifier
}

// NewHandlerManager creates and initializes all handlers and services.
func NewHandlerManager(cfg *config.Config) (*HandlerManager, error) {
	var st store.Store
	if cfg.DatabaseURL != "" {
		gs, err := store.OpenGormStore(cfg.DatabaseURL)
		if err != nil {
			logger.Base().Error("failed to connect to database", zap.Error(err))
			return nil, err
		}
		st = gs
		logger.Base().Info("using postgres store")
	} else {
		st = store.NewMemoryStore()
		logger.Base().Info("using in-memory store")
	}

	var sidIndex store.SIDIndex
	if cfg.RedisHost != "" {
		redisSvc, err := redis.NewRedisService(&redis.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			logger.Base().Warn("redis unavailable, using in-memory sid index", zap.Error(err))
			sidIndex = store.NewMemorySIDIndex()
		} else {
			sidIndex = store.NewRedisSIDIndex(redisSvc)
			logger.Base().Info("using redis sid index")
		}
	} else {
		sidIndex = store.NewMemorySIDIndex()
	}

	gen := reply.NewOpenAIGenerator(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)

	flow := callsvc.NewService(st, gen, nil, cfg.Flow, cfg.PublicBaseURL, cfg.StreamBaseURL)
	d := dialer.New(st, sidIndex, flow,
		cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber,
		cfg.DefaultCountryPrefix, 1)
	flow.SetCarrier(d)

	return &HandlerManager{
		config:   cfg,
		store:    st,
		sidIndex: sidIndex,
		flow:     flow,
		dialer:   d,
		broker:   broker.New(),
		notifier: notifier.New(st),
	}, nil
}

// SetupAllRoutes sets up all routes with middleware.
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(CORSMiddleware)
	router.Use(GlobalLoggingMiddleware)

	// Run API and operator controls, behind the operator token when set.
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(OperatorAuthMiddleware(hm.config.OperatorSecret))
	runHandler := NewRunHandler(hm.store, hm.dialer, hm.flow, hm.notifier)
	runHandler.SetupRunRoutes(apiRouter)

	// Carrier webhooks and media streams are unauthenticated; Twilio does
	// not carry our tokens.
	twilioHandler := NewTwilioWebhookHandler(hm.flow, hm.sidIndex)
	twilioHandler.SetupTwilioRoutes(router)

	streamHandler := NewStreamHandler(hm.broker, hm.store)
	streamHandler.SetupStreamRoutes(router)

	router.HandleFunc("/health", hm.handleHealth).Methods("GET")

	logger.Base().Info("all application routes registered")
}

func (hm *HandlerManager) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := hm.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Close releases the manager's backing resources.
func (hm *HandlerManager) Close() error {
	return hm.store.Close()
}
