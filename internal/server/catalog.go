package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/protocol"
	"github.com/MrWong99/voxstream/pkg/types"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

type modelsResponse struct {
	Success bool     `json:"success"`
	Default string   `json:"default"`
	Models  []string `json:"models"`
}

type voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
	Language string `json:"language,omitempty"`
}

type voicesResponse struct {
	Success bool    `json:"success"`
	Default string  `json:"default,omitempty"`
	Voices  []voice `json:"voices"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	sc := s.Config().Session
	models := sc.Models
	if len(models) == 0 && sc.DefaultModel != "" {
		models = []string{sc.DefaultModel}
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, modelsResponse{Success: true, Default: sc.DefaultModel, Models: models})
}

// handleVoices lists the synthesizer's voices, restricted to the allowed
// voice ids when any are configured.
func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	sc := s.Config().Session
	resp := voicesResponse{Success: true, Default: sc.Voice.VoiceID, Voices: []voice{}}
	if s.deps.TTS == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	profiles, err := s.deps.TTS.ListVoices(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("voice listing failed", "err", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	for _, p := range profiles {
		if len(sc.Voices) > 0 && !slices.Contains(sc.Voices, p.ID) {
			continue
		}
		resp.Voices = append(resp.Voices, voiceOf(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func voiceOf(p types.VoiceProfile) voice {
	return voice{ID: p.ID, Name: p.Name, Provider: p.Provider, Language: p.Language}
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "err", err)
	}
}

// writeError writes err as a protocol error message.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, protocol.ErrorMessage(err, ""))
}
