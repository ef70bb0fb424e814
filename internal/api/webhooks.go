package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/callbridge/internal/acs"
	"github.com/flowpbx/callbridge/internal/calls"
)

// handleIncomingCall receives Event Grid deliveries. Only the first event
// of a batch is considered.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	body, msg := readBody(w, r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	events, err := acs.ParseEventGridBatch(body)
	if err != nil {
		s.logger.Warn("malformed incoming call webhook", "error", err)
		writeError(w, http.StatusBadRequest, "malformed event batch")
		return
	}

	ev := events[0]
	logger := s.logger.With("event_id", ev.ID, "event_type", ev.EventType, "request_id", chimw.GetReqID(r.Context()))

	switch ev.EventType {
	case acs.EventSubscriptionValidation:
		var data acs.SubscriptionValidationData
		if err := ev.DecodeData(&data); err != nil {
			logger.Warn("malformed subscription validation", "error", err)
			writeError(w, http.StatusBadRequest, "malformed validation event")
			return
		}
		logger.Info("subscription validation handshake")
		writeRaw(w, http.StatusOK, acs.SubscriptionValidationResponse{ValidationResponse: data.ValidationCode})

	case acs.EventIncomingCall:
		var data acs.IncomingCallData
		if err := ev.DecodeData(&data); err != nil {
			logger.Warn("malformed incoming call event", "error", err)
			writeError(w, http.StatusBadRequest, "malformed incoming call event")
			return
		}
		callerID := data.From.RawID
		if callerID == "" {
			callerID = data.From.Number()
		}
		token, err := s.calls.HandleIncomingCall(r.Context(), calls.IncomingCall{
			CallerID:            callerID,
			To:                  data.To.Number(),
			IncomingCallContext: data.IncomingCallContext,
			CorrelationID:       data.CorrelationID,
		})
		if err != nil {
			logger.Error("incoming call not answered", "caller", callerID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to answer call")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})

	default:
		logger.Debug("ignoring webhook event")
		w.WriteHeader(http.StatusOK)
	}
}

// handleCallbacks applies a batch of call automation callbacks, in order,
// to the session named by the token. Callbacks for calls that are no longer
// live are acknowledged so the provider stops redelivering them.
func (s *Server) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	logger := s.logger.With("token", token, "caller", r.URL.Query().Get("callerId"))

	body, msg := readBody(w, r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	batch, err := acs.ParseCloudEventBatch(body)
	if err != nil {
		logger.Warn("malformed callback batch", "error", err)
		writeError(w, http.StatusBadRequest, "malformed event batch")
		return
	}

	for _, ce := range batch {
		ev, err := calls.EventFromCloudEvent(ce)
		if err != nil {
			logger.Warn("skipping malformed callback event", "event_type", ce.Type, "error", err)
			continue
		}
		err = s.calls.ProcessCallbackEvent(r.Context(), token, ev)
		switch {
		case err == nil:
		case errors.Is(err, calls.ErrUnknownCall):
			logger.Warn("callback for unknown call", "event_type", ce.Type)
		case errors.Is(err, calls.ErrSessionClosed):
			logger.Info("callback for ended call", "event_type", ce.Type)
		default:
			logger.Error("callback event failed", "event_type", ce.Type, "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}
