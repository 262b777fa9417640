package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/facility/internal/platform/auth"
	"github.com/ehr/facility/internal/platform/db"
)

// AuditEntry describes one state-changing call against the API.
type AuditEntry struct {
	RequestID  string
	TenantID   string
	UserID     string
	UserRoles  []string
	Action     string
	Resource   string
	ResourceID string
	Method     string
	Path       string
	Status     int
	RemoteIP   string
}

// Audit logs every POST, PUT, PATCH and DELETE under /api/v1/ after the
// handler has run, so the recorded status is the one the caller saw.
// Reads are covered by the request log.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method == http.MethodGet || req.Method == http.MethodHead ||
				!strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)
			entry := buildAuditEntry(c)
			if err != nil && !c.Response().Committed {
				if he, ok := err.(*echo.HTTPError); ok {
					entry.Status = he.Code
				} else {
					entry.Status = http.StatusInternalServerError
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("action", entry.Action).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Int("status", entry.Status).
				Str("remote_ip", entry.RemoteIP).
				Msg("facility_change")
			return err
		}
	}
}

func buildAuditEntry(c echo.Context) AuditEntry {
	req := c.Request()
	ctx := req.Context()
	rid, _ := c.Get("request_id").(string)
	resource, id, action := auditTarget(req.Method, req.URL.Path)
	return AuditEntry{
		RequestID:  rid,
		TenantID:   db.TenantFromContext(ctx),
		UserID:     auth.UserIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
		Action:     action,
		Resource:   resource,
		ResourceID: id,
		Method:     req.Method,
		Path:       req.URL.Path,
		Status:     c.Response().Status,
		RemoteIP:   c.RealIP(),
	}
}

// auditTarget splits /api/v1/<resource>[/<id>[/<verb>]] into its parts.
// A trailing verb such as "discharge" names the action; otherwise the
// method does.
//
//	POST   /api/v1/rooms                  -> rooms, "", create
//	PUT    /api/v1/rooms/<id>             -> rooms, <id>, update
//	POST   /api/v1/bookings/admit         -> bookings, "", admit
//	POST   /api/v1/bookings/<id>/cancel   -> bookings, <id>, cancel
func auditTarget(method, path string) (resource, id, action string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	resource = segs[0]
	switch len(segs) {
	case 1:
	case 2:
		if method == http.MethodPost {
			return resource, "", segs[1]
		}
		id = segs[1]
	default:
		id = segs[1]
		return resource, id, segs[len(segs)-1]
	}

	switch method {
	case http.MethodPost:
		action = "create"
	case http.MethodPut, http.MethodPatch:
		action = "update"
	case http.MethodDelete:
		action = "delete"
	}
	return resource, id, action
}
