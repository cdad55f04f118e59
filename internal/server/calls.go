package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/voiceshield/internal/channel"
	"github.com/MrWong99/voiceshield/internal/observe"
	"github.com/MrWong99/voiceshield/internal/risk"
	"github.com/MrWong99/voiceshield/pkg/types"
)

const maxCallFrame = 64 << 10

// handleCall runs one call socket. Each transcript frame is scored against
// everything the socket has seen so far and answered with the cumulative
// result. end_call closes the socket normally.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("server: websocket upgrade failed", "call_id", callID, "err", err)
		return
	}
	conn.SetReadLimit(maxCallFrame)

	ctx := observe.WithSessionID(r.Context(), callID)
	log := observe.Logger(ctx)
	s.cfg.Metrics.ActiveConnections.Add(ctx, 1)
	defer s.cfg.Metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	log.Info("server: call connected")
	err = s.serveCall(ctx, conn, log)
	switch {
	case err == nil:
		log.Info("server: call ended")
		_ = conn.Close(websocket.StatusNormalClosure, "call ended")
	case isClientClose(err), ctx.Err() != nil:
		log.Info("server: call disconnected", "err", err)
		_ = conn.CloseNow()
	default:
		log.Warn("server: call failed", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
	}
}

// serveCall returns nil when the client ended the call.
func (s *Server) serveCall(ctx context.Context, conn *websocket.Conn, log *slog.Logger) error {
	agg := risk.New()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.dropFrame(ctx, log, channel.ErrUnsupportedFrame)
			continue
		}

		var env channel.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.dropFrame(ctx, log, err)
			continue
		}
		switch env.Type {
		case channel.TypeEndCall:
			return nil
		case channel.TypeTranscript:
			var turn types.TranscriptTurn
			if err := json.Unmarshal(env.Payload, &turn); err != nil {
				s.dropFrame(ctx, log, err)
				continue
			}
			res := agg.Update(turn)
			s.cfg.Metrics.TurnsIngested.Add(ctx, 1)
			s.cfg.Metrics.RecordRiskUpdate(ctx, "server", string(res.Label))

			frame, err := channel.Encode(channel.TypeRiskUpdate, res)
			if err != nil {
				return fmt.Errorf("encode risk update: %w", err)
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return err
			}
		default:
			s.dropFrame(ctx, log, fmt.Errorf("unknown message type %q", env.Type))
		}
	}
}

func (s *Server) dropFrame(ctx context.Context, log *slog.Logger, err error) {
	log.Warn("server: dropping malformed frame", "err", err)
	s.cfg.Metrics.MalformedMessages.Add(ctx, 1)
}

func isClientClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}
