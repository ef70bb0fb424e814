package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/flowpbx/callbridge/internal/calls"
	"github.com/flowpbx/callbridge/internal/mediastream"
)

// maxFrameBytes bounds one inbound media frame. 20 ms of 24 kHz PCM is under
// 2 KB before base64.
const maxFrameBytes = 64 * 1024

// handleMedia upgrades the provider's media stream connection and pumps its
// frames into the call's audio bridge until either side closes.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	logger := s.logger.With("token", token)

	if _, ok := s.calls.Session(token); !ok {
		logger.Warn("media connection for unknown call")
		writeError(w, http.StatusNotFound, "unknown call")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		logger.Warn("media upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sock := mediastream.NewSocket(conn)
	binding, err := s.calls.AttachMedia(token, sock)
	if err != nil {
		if !errors.Is(err, calls.ErrUnknownCall) && !errors.Is(err, calls.ErrSessionClosed) {
			logger.Error("attaching media socket", "error", err)
		}
		sock.Close()
		return
	}

	// Close the socket when the call ends so the read loop returns.
	go func() {
		select {
		case <-binding.Closed():
			sock.Close()
		case <-sock.Closed():
		}
	}()

	ctx := r.Context()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("media socket read failed", "error", err)
			} else {
				logger.Debug("media socket closed", "error", err)
			}
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		binding.HandleFrame(ctx, data)
	}

	sock.MarkClosed()
	binding.Close()
	conn.Close()
}
