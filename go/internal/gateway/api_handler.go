package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/hostsync"
	"github.com/mcdev12/gamesync/go/internal/monitor"
	"github.com/mcdev12/gamesync/go/internal/protocol"
	"github.com/mcdev12/gamesync/go/internal/session"
	"github.com/mcdev12/gamesync/go/internal/teamevents"
)

const maxRequestBody = 1 << 20

// SlideRequest is the body of POST /api/sessions/{id}/slides
type SlideRequest struct {
	Slide        protocol.Slide `json:"slide"`
	WithTeamData bool           `json:"withTeamData"`
}

// CommandRequest is the body of POST /api/sessions/{id}/commands
type CommandRequest struct {
	Action protocol.CommandAction `json:"action"`
	Data   *protocol.CommandData  `json:"data,omitempty"`
}

// CommandResponse returns the id acks will carry
type CommandResponse struct {
	CommandID string `json:"commandId"`
}

// JoinInfoRequest is the body of POST /api/sessions/{id}/join-info
type JoinInfoRequest struct {
	JoinURL    string `json:"joinUrl"`
	QRCodeData string `json:"qrCodeData"`
}

// TeamEventRequest is the body of POST /api/sessions/{id}/team-events.
// Only the fields meaningful for Type are read.
type TeamEventRequest struct {
	Type        protocol.MessageType `json:"type"`
	Slide       *protocol.Slide      `json:"slide,omitempty"`
	KpiDelta    json.RawMessage      `json:"kpiDelta,omitempty"`
	Message     string               `json:"message,omitempty"`
	TeamID      string               `json:"teamId,omitempty"`
	DecisionKey string               `json:"decisionKey,omitempty"`
	Payload     json.RawMessage      `json:"payload,omitempty"`
}

// StatusResponse reports a session's connection indicators
type StatusResponse struct {
	SessionID          string            `json:"sessionId"`
	PresentationStatus monitor.Status    `json:"presentationStatus"`
	TeamChannelStatus  teamevents.Status `json:"teamChannelStatus"`
	Clients            int               `json:"clients"`
}

// APIHandler is the facilitator control API. It drives the host side of a
// session through the session registries.
type APIHandler struct {
	hosts *session.Registry[*hostsync.Manager]
	teams *session.Registry[*teamevents.Channel]
	conns *ConnectionManager
}

// NewAPIHandler creates a control API handler
func NewAPIHandler(hosts *session.Registry[*hostsync.Manager], teams *session.Registry[*teamevents.Channel], conns *ConnectionManager) *APIHandler {
	return &APIHandler{
		hosts: hosts,
		teams: teams,
		conns: conns,
	}
}

// RegisterRoutes registers the control API routes with an HTTP mux
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions/{id}/slides", h.HandleSlide)
	mux.HandleFunc("POST /api/sessions/{id}/commands", h.HandleCommand)
	mux.HandleFunc("POST /api/sessions/{id}/join-info", h.HandleJoinInfo)
	mux.HandleFunc("DELETE /api/sessions/{id}/join-info", h.HandleJoinInfoClose)
	mux.HandleFunc("POST /api/sessions/{id}/team-events", h.HandleTeamEvent)
	mux.HandleFunc("GET /api/sessions/{id}/status", h.HandleStatus)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.HandleDestroy)
	mux.HandleFunc("GET /health", h.HandleHealth)
}

// HandleSlide handles POST /api/sessions/{id}/slides
func (h *APIHandler) HandleSlide(w http.ResponseWriter, r *http.Request) {
	var req SlideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	host, ok := h.host(w, r)
	if !ok {
		return
	}

	if !req.WithTeamData {
		host.SendSlideUpdate(req.Slide, nil)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// the slide goes out even when the snapshot fails
	if err := host.SendSlideUpdateWithTeamData(r.Context(), req.Slide); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleCommand handles POST /api/sessions/{id}/commands
func (h *APIHandler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	host, ok := h.host(w, r)
	if !ok {
		return
	}

	id := host.SendCommand(req.Action, req.Data)
	writeJSON(w, http.StatusAccepted, CommandResponse{CommandID: id})
}

// HandleJoinInfo handles POST /api/sessions/{id}/join-info
func (h *APIHandler) HandleJoinInfo(w http.ResponseWriter, r *http.Request) {
	var req JoinInfoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JoinURL == "" {
		writeError(w, http.StatusBadRequest, "joinUrl is required")
		return
	}
	host, ok := h.host(w, r)
	if !ok {
		return
	}

	host.SendJoinInfo(req.JoinURL, req.QRCodeData)
	w.WriteHeader(http.StatusAccepted)
}

// HandleJoinInfoClose handles DELETE /api/sessions/{id}/join-info
func (h *APIHandler) HandleJoinInfoClose(w http.ResponseWriter, r *http.Request) {
	host, ok := h.host(w, r)
	if !ok {
		return
	}
	host.SendJoinInfoClose()
	w.WriteHeader(http.StatusAccepted)
}

// HandleTeamEvent handles POST /api/sessions/{id}/team-events
func (h *APIHandler) HandleTeamEvent(w http.ResponseWriter, r *http.Request) {
	var req TeamEventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Type.IsTeamEvent() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown team event %q", req.Type))
		return
	}

	if h.teams == nil {
		writeError(w, http.StatusServiceUnavailable, "team events need a broker")
		return
	}

	sessionID := r.PathValue("id")
	ch, err := h.teams.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := sendTeamEvent(ch, req); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, teamevents.ErrDisconnected), errors.Is(err, teamevents.ErrDestroyed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, errMissingSlide):
			status = http.StatusBadRequest
		}
		log.Warn().
			Err(err).
			Str("session_id", sessionID).
			Str("event_type", string(req.Type)).
			Msg("team event not sent")
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

var errMissingSlide = errors.New("slide is required for this event")

func sendTeamEvent(ch *teamevents.Channel, req TeamEventRequest) error {
	switch req.Type {
	case protocol.TypeDecisionTime, protocol.TypeDecisionClosed, protocol.TypeKpiUpdated:
		if req.Slide == nil {
			return errMissingSlide
		}
	}

	switch req.Type {
	case protocol.TypeDecisionTime:
		return ch.SendDecisionTime(*req.Slide)
	case protocol.TypeDecisionClosed:
		return ch.SendDecisionClosed(*req.Slide)
	case protocol.TypeKpiUpdated:
		return ch.SendKpiUpdated(*req.Slide, req.KpiDelta)
	case protocol.TypeDecisionReset:
		return ch.SendDecisionReset(teamevents.DecisionReset{
			Message:     req.Message,
			TeamID:      req.TeamID,
			DecisionKey: req.DecisionKey,
		})
	case protocol.TypeGameEnded:
		return ch.SendGameEnded()
	default:
		return ch.SendInteractiveSlideData(req.Payload)
	}
}

// HandleStatus handles GET /api/sessions/{id}/status
func (h *APIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	resp := StatusResponse{
		SessionID:          sessionID,
		PresentationStatus: monitor.StatusDisconnected,
		TeamChannelStatus:  teamevents.StatusDisconnected,
		Clients:            h.conns.GetConnectionStats().SessionConnections[sessionID],
	}

	host, found := h.hosts.Lookup(sessionID)
	if found {
		resp.PresentationStatus = host.Status()
	}
	if h.teams != nil {
		if ch, ok := h.teams.Lookup(sessionID); ok {
			resp.TeamChannelStatus = ch.Status()
			found = true
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDestroy handles DELETE /api/sessions/{id}
func (h *APIHandler) HandleDestroy(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	host, hostOK := h.hosts.Lookup(sessionID)
	var ch *teamevents.Channel
	teamOK := false
	if h.teams != nil {
		ch, teamOK = h.teams.Lookup(sessionID)
	}
	if !hostOK && !teamOK {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if hostOK {
		host.SendClosePresentation()
		host.Destroy()
	}
	if teamOK {
		ch.Destroy()
	}

	log.Info().Str("session_id", sessionID).Msg("session destroyed via API")
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth handles GET /health
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

// host returns the session's host manager, creating it on first use
func (h *APIHandler) host(w http.ResponseWriter, r *http.Request) (*hostsync.Manager, bool) {
	host, err := h.hosts.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrEmptySessionID) {
			writeError(w, http.StatusBadRequest, err.Error())
		} else {
			log.Error().Err(err).Str("session_id", r.PathValue("id")).Msg("failed to create host manager")
			writeError(w, http.StatusInternalServerError, "failed to open session")
		}
		return nil, false
	}
	return host, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
