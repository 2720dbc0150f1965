package api

import (
	"net/http"
)

// handleCheckCommand implements POST /v1/commands/check. Rejections are a
// normal outcome, reported with 200 and a structured body; HTTP error codes
// are reserved for malformed requests.
func (d *Dependencies) handleCheckCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandCheckRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Identity == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "identity is required"})
		return
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "command is required"})
		return
	}

	result, err := d.Gateway.CheckCommand(r.Context(), req.Identity, req.Command)
	if err != nil {
		// Only context cancellation reaches here.
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
