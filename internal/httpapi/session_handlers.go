package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/orelvisrguez/qr-attendance-sub000/internal/attendance"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/audit"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/auth"
)

type createSessionRequest struct {
	CourseID           string `json:"course_id"`
	RotationIntervalMs int64  `json:"rotation_interval_ms"`
	ValidityWindowMs   int64  `json:"validity_window_ms"`
}

type sessionResponse struct {
	ID                 string     `json:"id"`
	CourseID           string     `json:"course_id"`
	InstructorID       string     `json:"instructor_id"`
	State              string     `json:"state"`
	RotationIntervalMs int64      `json:"rotation_interval_ms"`
	ValidityWindowMs   int64      `json:"validity_window_ms"`
	CreatedAt          time.Time  `json:"created_at"`
	OpenedAt           *time.Time `json:"opened_at,omitempty"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

type attendanceResponse struct {
	Items []attendance.AttendanceRecord `json:"items"`
	Count int                           `json:"count"`
	AsOf  time.Time                     `json:"as_of"`
}

func toSessionResponse(sess attendance.Session) sessionResponse {
	return sessionResponse{
		ID:                 sess.ID,
		CourseID:           sess.CourseID,
		InstructorID:       sess.InstructorID,
		State:              string(sess.State),
		RotationIntervalMs: sess.RotationInterval.Milliseconds(),
		ValidityWindowMs:   sess.ValidityWindow.Milliseconds(),
		CreatedAt:          sess.CreatedAt,
		OpenedAt:           sess.OpenedAt,
		ClosedAt:           sess.ClosedAt,
	}
}

func (a *API) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createSession(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getSession(w, r, id)
	case "open":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.openSession(w, r, id)
	case "close":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.closeSession(w, r, id)
	case "attendance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listAttendance(w, r, id)
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.streamEvents(w, r, id)
	case "projector":
		a.projectorFeed(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	if !auth.IsStaff(r.Context()) {
		writeError(w, r, http.StatusForbidden, "instructor role required")
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.CourseID) == "" {
		writeError(w, r, http.StatusBadRequest, "course_id is required")
		return
	}
	if req.RotationIntervalMs < 0 || req.ValidityWindowMs < 0 {
		writeError(w, r, http.StatusBadRequest, "rotation settings must be >= 0")
		return
	}

	sess, err := a.svc.Create(
		r.Context(),
		strings.TrimSpace(req.CourseID),
		actor.UserID,
		time.Duration(req.RotationIntervalMs)*time.Millisecond,
		time.Duration(req.ValidityWindowMs)*time.Millisecond,
	)
	if err != nil {
		handleAttendanceError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "session.create", map[string]any{
		"session_id": sess.ID,
		"course_id":  sess.CourseID,
	})

	w.Header().Set("Location", "/v1/sessions/"+sess.ID)
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := a.svc.Get(r.Context(), id)
	if err != nil {
		handleAttendanceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (a *API) openSession(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	sess, err := a.svc.Open(r.Context(), id, actor)
	if err != nil {
		handleAttendanceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.open", map[string]any{
		"session_id": sess.ID,
	})
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (a *API) closeSession(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	sess, err := a.svc.Close(r.Context(), id, actor)
	if err != nil {
		handleAttendanceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.close", map[string]any{
		"session_id": sess.ID,
	})
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (a *API) listAttendance(w http.ResponseWriter, r *http.Request, id string) {
	if !auth.IsStaff(r.Context()) {
		writeError(w, r, http.StatusForbidden, "instructor role required")
		return
	}
	recs, err := a.svc.Attendance(r.Context(), id)
	if err != nil {
		handleAttendanceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []attendance.AttendanceRecord{}
	}
	writeJSON(w, http.StatusOK, attendanceResponse{
		Items: recs,
		Count: len(recs),
		AsOf:  time.Now().UTC(),
	})
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleAttendanceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, attendance.ErrInvalidConfig), errors.Is(err, attendance.ErrInvalidToken):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, attendance.ErrTokenExpired):
		writeError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, attendance.ErrUnauthorized), errors.Is(err, attendance.ErrNotEnrolled):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, attendance.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, attendance.ErrDuplicateAttendance),
		errors.Is(err, attendance.ErrReplayDetected),
		errors.Is(err, attendance.ErrSessionNotOpen),
		errors.Is(err, attendance.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, attendance.ErrStorageUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
