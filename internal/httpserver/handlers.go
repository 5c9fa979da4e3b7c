package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/podsprint/matching-service/internal/domain"
	"github.com/podsprint/matching-service/internal/service"
	"go.uber.org/zap"
)

type handler struct {
	svc    Service
	logger *zap.Logger
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) handlePreferencesGet(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.svc.GetPreferences(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, mapPreferences(prefs))
}

func (h *handler) handlePreferencesPut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Timezone   string                      `json:"timezone"`
		Experience string                      `json:"experienceLevel"`
		Style      string                      `json:"collaborationStyle"`
		Windows    []domain.AvailabilityWindow `json:"windows"`
	}
	if err := decodeJSON(r.Context(), r.Body, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	prefs, err := h.svc.UpdatePreferences(r.Context(), userIDFrom(r.Context()), domain.Preferences{
		Timezone:   req.Timezone,
		Experience: domain.ExperienceLevel(req.Experience),
		Style:      domain.CollaborationStyle(req.Style),
		Windows:    req.Windows,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"preferences": mapPreferences(prefs),
	})
}

func (h *handler) handleMatchingRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SprintType string `json:"sprintType"`
	}
	if err := decodeJSON(r.Context(), r.Body, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.SprintType == "" {
		writeValidationError(w, errors.New("sprintType is required"))
		return
	}

	result, err := h.svc.RequestMatching(r.Context(), userIDFrom(r.Context()), domain.SprintType(req.SprintType))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, mapMatchingResult(result))
}

func (h *handler) handleMatchingAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SprintType string   `json:"sprintType"`
		PodID      string   `json:"podId"`
		MemberIDs  []string `json:"memberIds"`
		// Clients echo the score they saw at suggestion time; it is
		// accepted but never read, compatibility is recomputed from
		// current profiles.
		Score json.RawMessage `json:"compatibilityScore"`
	}
	if err := decodeJSON(r.Context(), r.Body, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.SprintType == "" {
		writeValidationError(w, errors.New("sprintType is required"))
		return
	}

	pod, err := h.svc.AcceptMatch(r.Context(), userIDFrom(r.Context()), domain.SprintType(req.SprintType), req.PodID, req.MemberIDs)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if req.PodID != "" {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"pod": mapPod(pod),
	})
}

func (h *handler) handleMatchingRematch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PodID       string `json:"currentPodId"`
		Reason      string `json:"reason"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r.Context(), r.Body, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.PodID == "" {
		writeValidationError(w, errors.New("currentPodId is required"))
		return
	}
	if req.Reason == "" {
		writeValidationError(w, errors.New("reason is required"))
		return
	}

	result, err := h.svc.RequestRematch(r.Context(), userIDFrom(r.Context()), req.PodID, domain.RematchReason(req.Reason), req.Description)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, mapMatchingResult(result))
}

func (h *handler) handlePodsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var sprintType *domain.SprintType
	if raw := strings.TrimSpace(q.Get("sprintType")); raw != "" {
		st := domain.SprintType(raw)
		sprintType = &st
	}

	formingOnly := false
	if raw := q.Get("forming"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeValidationError(w, errors.New("forming must be true or false"))
			return
		}
		formingOnly = v
	}

	pods, err := h.svc.ListPods(r.Context(), userIDFrom(r.Context()), sprintType, formingOnly)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pods": mapPodList(pods),
	})
}

func (h *handler) handlePodGet(w http.ResponseWriter, r *http.Request) {
	pod, err := h.svc.GetPod(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "podID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, mapPod(pod))
}

func (h *handler) handlePodLeave(w http.ResponseWriter, r *http.Request) {
	// The body is optional: leaving without a stated reason is fine.
	var req struct {
		Reason string `json:"reason"`
		Note   string `json:"note"`
	}
	if err := decodeJSON(r.Context(), r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		writeValidationError(w, err)
		return
	}

	var reason *domain.RematchReason
	if req.Reason != "" {
		rr := domain.RematchReason(req.Reason)
		reason = &rr
	}
	var note *string
	if req.Note != "" {
		note = &req.Note
	}

	pod, err := h.svc.LeavePod(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "podID"), reason, note)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pod": mapPod(pod),
	})
}

func (h *handler) handlePodComplete(w http.ResponseWriter, r *http.Request) {
	pod, err := h.svc.CompletePod(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "podID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pod": mapPod(pod),
	})
}

func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	status, code := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("service error", zap.Error(err))
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func mapServiceError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, service.ErrInvalidSprintType),
		errors.Is(err, service.ErrInvalidReason),
		errors.Is(err, service.ErrInvalidDescription),
		errors.Is(err, service.ErrInvalidPreferences),
		errors.Is(err, service.ErrPreferencesIncomplete),
		errors.Is(err, service.ErrInvalidMemberCount),
		errors.Is(err, service.ErrInvalidAcceptance):
		return http.StatusBadRequest, "VALIDATION"
	case errors.Is(err, service.ErrNotPodMember):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrPodNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, service.ErrAlreadyInPod):
		return http.StatusConflict, "ALREADY_IN_POD"
	case errors.Is(err, service.ErrPodFull):
		return http.StatusConflict, "POD_FULL"
	case errors.Is(err, service.ErrPodNotJoinable):
		return http.StatusConflict, "POD_NOT_JOINABLE"
	case errors.Is(err, service.ErrPodNotActive),
		errors.Is(err, service.ErrPodClosed):
		return http.StatusConflict, "POD_CLOSED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func mapPreferences(p domain.Preferences) map[string]any {
	windows := p.Windows
	if windows == nil {
		windows = []domain.AvailabilityWindow{}
	}
	return map[string]any{
		"timezone":           p.Timezone,
		"utcOffsetMinutes":   p.UTCOffsetMinutes,
		"experienceLevel":    p.Experience,
		"collaborationStyle": p.Style,
		"windows":            windows,
	}
}

func mapPod(pod domain.Pod) map[string]any {
	members := make([]map[string]any, 0, len(pod.Members))
	for _, m := range pod.Members {
		members = append(members, mapMembership(m))
	}

	resp := map[string]any{
		"podId":              pod.ID,
		"sprintType":         pod.SprintType,
		"status":             pod.Status,
		"maxMembers":         pod.MaxMembers,
		"memberCount":        pod.MemberCount,
		"compatibilityScore": pod.Score,
		"createdAt":          formatTime(pod.CreatedAt),
		"members":            members,
	}
	if pod.ActivatedAt != nil {
		resp["activatedAt"] = formatTime(*pod.ActivatedAt)
	}
	if pod.CompletedAt != nil {
		resp["completedAt"] = formatTime(*pod.CompletedAt)
	}
	if pod.DisbandedAt != nil {
		resp["disbandedAt"] = formatTime(*pod.DisbandedAt)
	}
	return resp
}

func mapPodList(pods []domain.Pod) []map[string]any {
	result := make([]map[string]any, 0, len(pods))
	for _, pod := range pods {
		result = append(result, mapPod(pod))
	}
	return result
}

func mapMembership(m domain.PodMembership) map[string]any {
	resp := map[string]any{
		"userId":     m.UserID,
		"role":       m.Role,
		"status":     m.Status,
		"joinedAt":   formatTime(m.JoinedAt),
		"matchScore": m.MatchScore,
	}
	if m.LeftAt != nil {
		resp["leftAt"] = formatTime(*m.LeftAt)
	}
	if m.LeaveReason != nil {
		resp["leaveReason"] = *m.LeaveReason
	}
	if m.LeaveNote != nil {
		resp["leaveNote"] = *m.LeaveNote
	}
	return resp
}

func mapSuggestion(s domain.PodSuggestion) map[string]any {
	memberIDs := s.MemberIDs
	if memberIDs == nil {
		memberIDs = []string{}
	}
	resp := map[string]any{
		"type":               s.Type,
		"memberIds":          memberIDs,
		"compatibilityScore": s.Score,
	}
	if s.PodID != "" {
		resp["podId"] = s.PodID
	}
	return resp
}

func mapMatchingResult(res domain.MatchingResult) map[string]any {
	suggestions := make([]map[string]any, 0, len(res.Suggestions))
	for _, s := range res.Suggestions {
		suggestions = append(suggestions, mapSuggestion(s))
	}

	resp := map[string]any{
		"status":      res.Status,
		"suggestions": suggestions,
	}
	if res.ExpiresAt != nil {
		resp["expiresAt"] = formatTime(*res.ExpiresAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func decodeJSON(ctx context.Context, body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra JSON input")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
}
