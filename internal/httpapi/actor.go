package httpapi

import (
	"net/http"
	"strings"

	"qms/visit-service/internal/models"
)

// Identity is established by the gateway in front of this service; it
// forwards the authenticated user and role as headers.
const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
)

var staffRoles = map[models.Role]bool{
	models.RoleDoctor: true,
	models.RoleNurse:  true,
	models.RoleAdmin:  true,
}

func actorFromRequest(r *http.Request) (models.Actor, bool) {
	userID := strings.TrimSpace(r.Header.Get(headerActorID))
	role := models.Role(strings.ToUpper(strings.TrimSpace(r.Header.Get(headerActorRole))))
	if userID == "" || role == "" {
		return models.Actor{}, false
	}
	return models.Actor{UserID: userID, Role: role}, true
}

func requireStaffActor(w http.ResponseWriter, r *http.Request, traceID string) (models.Actor, bool) {
	actor, ok := actorFromRequest(r)
	if !ok {
		writeError(w, traceID, http.StatusUnauthorized, "unauthorized", "X-Actor-ID and X-Actor-Role are required")
		return models.Actor{}, false
	}
	if !staffRoles[actor.Role] {
		writeError(w, traceID, http.StatusForbidden, "access_denied", "role is not allowed to perform this action")
		return models.Actor{}, false
	}
	return actor, true
}
