package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/orelvisrguez/qr-attendance-sub000/internal/attendance"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/audit"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/auth"
)

type scanRequest struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	// Client capture time, informational only; the server clock decides
	// token validity.
	ScannedAt time.Time `json:"scanned_at,omitempty"`
}

func (a *API) handleScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	// The student identity comes from the bearer token, never the body:
	// a scan submits only what the camera saw.
	studentID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req scanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, r, http.StatusBadRequest, "session_id is required")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	rec, err := a.svc.Submit(r.Context(), attendance.ScanAttempt{
		SessionID: strings.TrimSpace(req.SessionID),
		StudentID: studentID,
		Value:     strings.TrimSpace(req.Token),
		ScannedAt: req.ScannedAt,
	})
	if err != nil {
		handleAttendanceError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "attendance.scan.accepted", map[string]any{
		"session_id": rec.SessionID,
		"record_id":  rec.ID,
		"token_seq":  rec.TokenSeq,
	})

	writeJSON(w, http.StatusCreated, rec)
}
