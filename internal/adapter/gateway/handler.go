package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"loginpilot/internal/adapter/stream"
	"loginpilot/internal/domain"
)

// maxRequestBytes bounds a pipeline request body.
const maxRequestBytes = 64 << 10

// verifyRequestSchema describes the body of POST /api/login/verify. Unknown
// fields are allowed so older clients keep working.
const verifyRequestSchema = `{
  "type": "object",
  "required": ["token"],
  "properties": {
    "token":             {"type": "string", "minLength": 1},
    "profileId":         {"type": "string"},
    "apiUrl":            {"type": "string"},
    "appId":             {"type": "string"},
    "secretKey":         {"type": "string"},
    "autoMatchProfile":  {"type": "boolean"},
    "profileSearchTerm": {"type": "string"},
    "closeAfterLogin":   {"type": "boolean"}
  }
}`

// verifyRequest is the wire form of domain.PipelineRequest.
// CloseAfterLogin defaults to true when absent.
type verifyRequest struct {
	Token             string `json:"token"`
	ProfileID         string `json:"profileId"`
	APIURL            string `json:"apiUrl"`
	AppID             string `json:"appId"`
	SecretKey         string `json:"secretKey"`
	AutoMatchProfile  bool   `json:"autoMatchProfile"`
	ProfileSearchTerm string `json:"profileSearchTerm"`
	CloseAfterLogin   *bool  `json:"closeAfterLogin"`
}

func (v verifyRequest) pipelineRequest() domain.PipelineRequest {
	closeAfter := true
	if v.CloseAfterLogin != nil {
		closeAfter = *v.CloseAfterLogin
	}
	return domain.PipelineRequest{
		Token:             v.Token,
		ProfileID:         v.ProfileID,
		APIURL:            v.APIURL,
		AppID:             v.AppID,
		SecretKey:         v.SecretKey,
		AutoMatchProfile:  v.AutoMatchProfile,
		ProfileSearchTerm: v.ProfileSearchTerm,
		CloseAfterLogin:   closeAfter,
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// decodeVerifyRequest validates the body against the schema and decodes it.
func (s *Server) decodeVerifyRequest(r *http.Request) (domain.PipelineRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		return domain.PipelineRequest{}, domain.WrapOp("read body", err)
	}
	if len(body) > maxRequestBytes {
		return domain.PipelineRequest{}, domain.NewDomainError("gateway.verify", domain.ErrInvalidInput, "request body too large")
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.PipelineRequest{}, domain.NewDomainError("gateway.verify", domain.ErrInvalidInput, "body is not valid JSON")
	}
	if result := s.schema.Validate(raw); !result.IsValid() {
		return domain.PipelineRequest{}, domain.NewDomainError("gateway.verify", domain.ErrInvalidInput, result.Error())
	}

	var v verifyRequest
	if err := json.Unmarshal(body, &v); err != nil {
		return domain.PipelineRequest{}, domain.NewDomainError("gateway.verify", domain.ErrInvalidInput, err.Error())
	}
	if err := s.apiURLs.Check(v.APIURL); err != nil {
		return domain.PipelineRequest{}, err
	}
	return v.pipelineRequest(), nil
}

// handleVerify runs one pipeline request and streams its progress. The
// pipeline is bound to the request context, so a client disconnect aborts
// the session.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeVerifyRequest(r)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			status = http.StatusBadRequest
		case errors.Is(err, domain.ErrURLBlocked):
			status = http.StatusForbidden
		}
		respondError(w, status, err.Error())
		return
	}

	stream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	out := stream.NewWriter(w)

	start := time.Now()
	err = s.deps.Runner.Run(r.Context(), req, out.Sink())
	s.logger.Info("pipeline request finished",
		"profile_id", req.ProfileID,
		"duration", time.Since(start),
		"client_gone", out.Broken(),
		"error_code", string(domain.ErrorCodeOf(err)),
	)
}

// handleProfiles lists profiles of the configured profile service.
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	page := parseIntDefault(r.URL.Query().Get("page"), 1)
	pageSize := parseIntDefault(r.URL.Query().Get("pageSize"), 100)

	ctrl, err := s.deps.Profiles(domain.ProfileServiceParams{})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	profiles, err := ctrl.ListProfiles(r.Context(), page, pageSize)
	if err != nil {
		s.logger.Warn("list profiles failed", "error", err)
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if profiles == nil {
		profiles = []domain.ProfileSummary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"profiles": profiles, "page": page, "pageSize": pageSize})
}

// handleHealthz reports whether the profile service answers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.deps.Profiles(domain.ProfileServiceParams{})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]string{"time": time.Now().UTC().Format(time.RFC3339)}
	if !ctrl.CheckHealth(r.Context()) {
		resp["status"] = "degraded"
		resp["profile_service"] = "unreachable"
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["status"] = "ok"
	resp["profile_service"] = "reachable"
	respondJSON(w, http.StatusOK, resp)
}

func parseIntDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}
