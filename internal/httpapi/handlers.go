package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"worldwatch/internal/entity"
	"worldwatch/internal/notifier"
	rtsup "worldwatch/internal/runtime/supervisor"
	logx "worldwatch/pkg/logx"
)

const maxSnapshotBytes = 8 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type ingestResponse struct {
	Platform string `json:"platform"`
	Shard    string `json:"shard"`
	Queued   bool   `json:"queued"`
}

type reportView struct {
	notifier.CycleReport
	Errors []string `json:"errors,omitempty"`
}

type stateResponse struct {
	Platform   string      `json:"platform"`
	Shard      string      `json:"shard"`
	State      string      `json:"state"`
	LastReport *reportView `json:"last_report,omitempty"`
}

type seenResponse struct {
	Platform string       `json:"platform"`
	Shard    string       `json:"shard"`
	Count    int          `json:"count"`
	IDs      entity.IDSet `json:"ids"`
}

type healthResponse struct {
	Status     string          `json:"status"`
	Shard      string          `json:"shard"`
	Dispatcher *rtsup.Snapshot `json:"dispatcher,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps dispatcher errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, notifier.ErrUnknownPlatform):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrMalformedSnapshot):
		return http.StatusBadRequest
	case errors.Is(err, notifier.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, notifier.ErrStopped), errors.Is(err, notifier.ErrTrackerRead):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) withAuth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.IngestToken)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) ingest(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	if _, err := s.disp.State(platform); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	snap, err := entity.DecodeSnapshot(http.MaxBytesReader(w, r.Body, maxSnapshotBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.disp.OnNewData(platform, snap); err != nil {
		s.log.Warn("snapshot rejected", logx.String("platform", platform), logx.Err(err))
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, ingestResponse{Platform: strings.ToLower(platform), Shard: s.disp.Shard(), Queued: true})
}

func (s *Service) listPlatforms(w http.ResponseWriter, r *http.Request) {
	out := make([]stateResponse, 0, len(s.disp.Platforms()))
	for _, p := range s.disp.Platforms() {
		out = append(out, s.stateOf(p))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Service) stateOf(platform string) stateResponse {
	st, _ := s.disp.State(platform)
	resp := stateResponse{Platform: strings.ToLower(platform), Shard: s.disp.Shard(), State: st.String()}
	if rep, ok := s.disp.LastReport(platform); ok {
		resp.LastReport = &reportView{CycleReport: rep, Errors: rep.ErrorStrings()}
	}
	return resp
}

func (s *Service) platformState(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	if _, err := s.disp.State(platform); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.stateOf(platform))
}

func (s *Service) seen(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	ids, err := s.disp.SeenIDs(r.Context(), platform)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, seenResponse{
		Platform: strings.ToLower(platform),
		Shard:    s.disp.Shard(),
		Count:    ids.Len(),
		IDs:      ids,
	})
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	sup := s.disp.Supervisor()
	if sup == nil {
		respondJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "starting", Shard: s.disp.Shard()})
		return
	}
	snap := sup.Snapshot()
	resp := healthResponse{Status: "ok", Shard: s.disp.Shard(), Dispatcher: &snap}
	code := http.StatusOK
	if sup.Context().Err() != nil {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}
