// Package httpapi exposes the Control API (§4.9) over HTTP+JSON for the
// external parent UI, gorilla/mux routed and JWT-bearer protected —
// the second of the two ways §4.9 commands are reachable, alongside the
// in-process controlapi.API Go interface the same commands are built on.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"guardloop/internal/controlapi"
	"guardloop/internal/corerr"
)

// Router wraps the Control API for HTTP dispatch.
type Router struct {
	api  *controlapi.API
	auth *AuthService
}

// NewRouter builds a Router over api, authenticating every call with auth.
func NewRouter(api *controlapi.API, auth *AuthService) *Router {
	return &Router{api: api, auth: auth}
}

// RegisterRoutes mounts every Control API command under /api/v1, wrapped
// in the bearer-auth middleware.
func (r *Router) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(r.auth.RequireAuth)

	v1.HandleFunc("/status", r.handleGetStatus).Methods(http.MethodGet)
	v1.HandleFunc("/agents", r.handleGetAgents).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{agentId}/link", r.handleLinkAgent).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{agentId}/unlink", r.handleUnlinkAgent).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{agentId}/user-mapping", r.handleSetUserMapping).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{agentId}/parent-accounts", r.handleSetParentAccounts).Methods(http.MethodPost)
	v1.HandleFunc("/children/{childId}/settings", r.handleUpdateChildSettings).Methods(http.MethodPut)
	v1.HandleFunc("/violations", r.handleGetViolations).Methods(http.MethodGet)
	v1.HandleFunc("/violations", r.handleClearViolations).Methods(http.MethodDelete)
	v1.HandleFunc("/activity", r.handleGetActivityLog).Methods(http.MethodGet)
	v1.HandleFunc("/settings", r.handleGetSettings).Methods(http.MethodGet)
	v1.HandleFunc("/settings", r.handleUpdateSettings).Methods(http.MethodPut)
	v1.HandleFunc("/agents/{agentId}/force-logout", r.handleForceLogout).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{agentId}/lock", r.handleLockSession).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{agentId}/focus", r.handleTriggerFocusMode).Methods(http.MethodPost)
}

func (r *Router) handleGetStatus(w http.ResponseWriter, req *http.Request) {
	SendJSON(w, http.StatusOK, r.api.GetStatus())
}

func (r *Router) handleGetAgents(w http.ResponseWriter, req *http.Request) {
	SendJSON(w, http.StatusOK, r.api.GetAgents())
}

type linkAgentRequest struct {
	ChildID string `json:"childId"`
}

func (r *Router) handleLinkAgent(w http.ResponseWriter, req *http.Request) {
	agentID := mux.Vars(req)["agentId"]
	var body linkAgentRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if err := r.api.LinkAgent(agentID, body.ChildID); err != nil {
		sendCommandError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, okResponse())
}

func (r *Router) handleUnlinkAgent(w http.ResponseWriter, req *http.Request) {
	agentID := mux.Vars(req)["agentId"]
	if err := r.api.UnlinkAgent(agentID); err != nil {
		sendCommandError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, okResponse())
}

type setUserMappingRequest struct {
	Username string  `json:"username"`
	ChildID  *string `json:"childId"`
}

func (r *Router) handleSetUserMapping(w http.ResponseWriter, req *http.Request) {
	agentID := mux.Vars(req)["agentId"]
	var body setUserMappingRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if err := r.api.SetUserMapping(agentID, body.Username, body.ChildID); err != nil {
		sendCommandError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, okResponse())
}

type setParentAccountsRequest struct {
	Usernames []string `json:"usernames"`
}

func (r *Router) handleSetParentAccounts(w http.ResponseWriter, req *http.Request) {
	agentID := mux.Vars(req)["agentId"]
	var body setParentAccountsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if err := r.api.SetParentAccounts(agentID, body.Usernames); err != nil {
		sendCommandError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, okResponse())
}

func (r *Router) handleUpdateChildSettings(w http.ResponseWriter, req *http.Request) {
	childID := mux.Vars(req)["childId"]
	var body controlapi.ChildSettingsPartial
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if err := r.api.UpdateChildSettings(childID, body); err != nil {
		sendCommandError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, okResponse())
}

func (r *Router) handleGetViolations(w http.ResponseWriter, req *http.Request) {
	SendJSON(w, http.StatusOK, r.api.GetViolations(limitParam(req)))
}

func (r *Router) handleClearViolations(w http.ResponseWriter, req *http.Request) {
	r.api.ClearViolations()
	SendJSON(w, http.StatusOK, okResponse())
}

func (r *Router) handleGetActivityLog(w http.ResponseWriter, req *http.Request) {
	SendJSON(w, http.StatusOK, r.api.GetActivityLog(limitParam(req)))
}

func (r *Router) handleGetSettings(w http.ResponseWriter, req *http.Request) {
	SendJSON(w, http.StatusOK, r.api.GetSettings())
}

func (r *Router) handleUpdateSettings(w http.ResponseWriter, req *http.Request) {
	var body controlapi.SettingsPartial
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	settings, err := r.api.UpdateSettings(req.Context(), body)
	if err != nil {
		sendCommandError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, settings)
}

func (r *Router) handleForceLogout(w http.ResponseWriter, req *http.Request) {
	agentID := mux.Vars(req)["agentId"]
	if err := r.api.ForceLogout(req.Context(), agentID); err != nil {
		sendCommandError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, okResponse())
}

func (r *Router) handleLockSession(w http.ResponseWriter, req *http.Request) {
	agentID := mux.Vars(req)["agentId"]
	if err := r.api.LockSession(req.Context(), agentID); err != nil {
		sendCommandError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, okResponse())
}

type triggerFocusModeRequest struct {
	Enabled bool   `json:"enabled"`
	ChildID string `json:"childId"`
}

func (r *Router) handleTriggerFocusMode(w http.ResponseWriter, req *http.Request) {
	agentID := mux.Vars(req)["agentId"]
	var body triggerFocusModeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if err := r.api.TriggerFocusMode(req.Context(), agentID, body.Enabled, body.ChildID); err != nil {
		sendCommandError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, okResponse())
}

func limitParam(req *http.Request) int {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type successResponse struct {
	Success bool `json:"success"`
}

func okResponse() successResponse { return successResponse{Success: true} }

// sendCommandError maps a Control API error to the §7 error-kind HTTP
// status: InvalidConfig is a client error (400), AgentUnavailable is a
// dependency error (503), everything else is internal (500).
func sendCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, corerr.ErrInvalidConfig):
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, corerr.ErrAgentUnavailable):
		SendError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", err.Error())
	default:
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
