package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"coinarb/internal/models"
	"coinarb/internal/service"
)

// NotificationHandler отдаёт журнал оповещений.
//
// GET /api/v1/notifications?severity=critical&limit=100
type NotificationHandler struct {
	notificationService NotificationServiceInterface
}

// NewNotificationHandler создает новый NotificationHandler
func NewNotificationHandler(notificationService NotificationServiceInterface) *NotificationHandler {
	return &NotificationHandler{notificationService: notificationService}
}

// GetNotifications возвращает последние оповещения
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	if h.notificationService == nil {
		writeError(w, http.StatusInternalServerError, "notification service not initialized", nil)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = parsed
	}

	list, err := h.notificationService.Recent(r.Context(), r.URL.Query().Get("severity"), limit)
	if err != nil {
		if errors.Is(err, service.ErrNotificationsDisabled) {
			writeError(w, http.StatusServiceUnavailable, "notification journal disabled", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read notifications", err)
		return
	}

	if list == nil {
		list = []*models.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}
