package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/protocol"
	"github.com/MrWong99/voxstream/internal/session"
	"github.com/MrWong99/voxstream/internal/turn"
)

// chatRequest is the body of POST /v1/chat: a config patch plus the message.
type chatRequest struct {
	protocol.Config
	Message string `json:"message"`
}

// handleChat runs one text-only turn on a throwaway session and streams its
// events as server-sent events.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, errDraining)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: invalid request body", turn.ErrProtocol))
		return
	}

	cfg := s.Config()
	defaults := sessionDefaults(cfg, false)
	sess := session.New(uuid.NewString(), defaults,
		session.WithAllowedModels(cfg.Session.Models),
		session.WithAllowedVoices(cfg.Session.Voices),
	)
	patch := req.Patch()
	patch.TTS = nil
	if _, err := sess.Apply(patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %w", turn.ErrProtocol, err))
		return
	}
	log := observe.Logger(r.Context()).With("session_id", sess.ID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := make(chan turn.Event, outboundBuffer)
	sink := turn.SinkFunc(func(ev turn.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})

	orch, err := turn.New(turn.Deps{
		Session: sess,
		LLM:     s.deps.LLM,
		History: s.deps.History,
		Sink:    sink,
		Metrics: s.deps.Metrics,
		Logger:  s.deps.Logger,
	}, turnConfig(cfg))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer func() {
		cancel()
		orch.Interrupt()
		orch.Wait()
	}()

	if err := orch.HandleText(ctx, req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	protocol.SetHeaders(w.Header())
	sse, err := protocol.NewSSEWriter(w)
	if err != nil {
		log.Error("chat: streaming unsupported", "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug("chat: client went away")
			return
		case ev := <-events:
			if err := sse.Send(protocol.FromEvent(ev)); err != nil {
				log.Debug("chat: write failed", "err", err)
				return
			}
			if ev.Type == turn.EventDone {
				if err := sse.Done(); err != nil {
					log.Debug("chat: write failed", "err", err)
				}
				return
			}
		}
	}
}
