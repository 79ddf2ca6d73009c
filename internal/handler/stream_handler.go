package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/callscout-ai/voice-service/internal/broker"
	"github.com/callscout-ai/voice-service/internal/store"
	"github.com/callscout-ai/voice-service/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The carrier connects from Twilio's cloud; listeners connect from the
	// operator UI on another origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamHandler owns both sides of the audio relay: the carrier media-stream
// websocket feeding frames in, and operator listener websockets taking the
// fan-out.
type StreamHandler struct {
	broker *broker.Broker
	store  store.Store
}

func NewStreamHandler(b *broker.Broker, st store.Store) *StreamHandler {
	return &StreamHandler{broker: b, store: st}
}

func (h *StreamHandler) SetupStreamRoutes(router *mux.Router) {
	router.HandleFunc("/twilio/stream/{callId}", h.handleCarrierStream).Methods("GET")
	router.HandleFunc("/listen/{runId}/{callId}", h.handleListener).Methods("GET")
}

// handleCarrierStream is the producer side: one websocket per live call,
// opened by the carrier when the call connects.
func (h *StreamHandler) handleCarrierStream(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("carrier stream upgrade failed",
			zap.String("call_id", callID),
			zap.Error(err))
		return
	}
	defer conn.Close()

	logger.L().Info("carrier media stream connected", zap.String("call_id", callID))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.L().Warn("carrier stream read error",
					zap.String("call_id", callID),
					zap.Error(err))
			}
			break
		}
		h.broker.HandleCarrierFrame(callID, raw)
	}

	h.broker.EndStream(callID)
	logger.L().Info("carrier media stream closed", zap.String("call_id", callID))
}

// handleListener attaches an operator websocket to a call's audio fan-out.
// The connection lives until the client closes it or the stream ends.
func (h *StreamHandler) handleListener(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID, callID := vars["runId"], vars["callId"]

	if _, err := h.store.GetCall(r.Context(), runID, callID); err != nil {
		writeStoreError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("listener upgrade failed",
			zap.String("call_id", callID),
			zap.Error(err))
		return
	}

	h.broker.Attach(callID, conn)
	if err := h.store.SetListening(r.Context(), runID, callID, true); err != nil {
		logger.L().Warn("marking call as listened failed",
			zap.String("call_id", callID),
			zap.Error(err))
	}

	// Drain the read side to learn when the listener goes away. Listeners
	// only receive; anything they send is discarded.
	go func() {
		defer func() {
			h.broker.Detach(callID, conn)
			conn.Close()
			if h.broker.ListenerCount(callID) == 0 {
				// The request context died when the handler returned.
				if err := h.store.SetListening(context.Background(), runID, callID, false); err == nil {
					logger.L().Debug("last listener detached", zap.String("call_id", callID))
				}
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
