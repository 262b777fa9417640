package events

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/facility/internal/platform/db"
)

const maxFeedCount = 500

// FeedEntry is one stream entry as served by the feed endpoint.
type FeedEntry struct {
	ID string `json:"id"`
	Event
}

type Feed struct {
	Entries []FeedEntry `json:"entries"`
	// LastID is the cursor for the next call. It advances past entries of
	// other tenants too, so polling never stalls on them.
	LastID string `json:"last_id,omitempty"`
}

type Handler struct {
	pub *Publisher
}

func NewHandler(pub *Publisher) *Handler {
	return &Handler{pub: pub}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/events", h.HandleFeed)
}

// HandleFeed handles GET /events?after=<id>&count=<n> and returns the
// caller's tenant events after the cursor, oldest first.
func (h *Handler) HandleFeed(c echo.Context) error {
	count := int64(100)
	if v := c.QueryParam("count"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "count must be a positive integer")
		}
		count = min(n, maxFeedCount)
	}

	ctx := c.Request().Context()
	batch, err := h.pub.Read(ctx, c.QueryParam("after"), count)
	if errors.Is(err, ErrInvalidCursor) {
		return echo.NewHTTPError(http.StatusBadRequest, "after must be a stream entry id")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream unavailable").SetInternal(err)
	}

	tenant := db.TenantFromContext(ctx)
	feed := Feed{Entries: []FeedEntry{}, LastID: batch.LastID}
	for i, ev := range batch.Events {
		if ev.TenantID != tenant {
			continue
		}
		feed.Entries = append(feed.Entries, FeedEntry{ID: batch.IDs[i], Event: ev})
	}
	return c.JSON(http.StatusOK, feed)
}
