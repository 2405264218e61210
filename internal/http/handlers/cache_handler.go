// Cache read-path handlers:
//   - GET    /api/cache/:userId           (serve cached timeline, 404 on miss)
//   - DELETE /api/cache/:userId/timeline  (invalidate)
//   - GET    /api/cache/status/:userId    (existence/tier/ttl probe)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nodal-labs/prefetch-engine/internal/domain"
)

// CacheStatusResponse is the probe view for the status endpoint. TTL is
// reported in milliseconds, matching the tier TTL configuration units.
type CacheStatusResponse struct {
	Exists bool        `json:"exists"`
	Tier   domain.Tier `json:"tier,omitempty"`
	TTLMS  int64       `json:"ttl,omitempty"`
}

// GetTimeline serves the cached timeline for a user. A miss (including a
// degraded cache backend) answers 404; callers fall back to the origin.
func (h *Handlers) GetTimeline(c *gin.Context) {
	userID, okID := pathUserID(c)
	if !okID {
		return
	}

	art, hit := h.svc.Read(c.Request.Context(), userID)
	if !hit {
		fail(c, http.StatusNotFound, ErrCodeNotFound, KindNotFound, "no cached timeline")
		return
	}
	ok(c, http.StatusOK, timelineView(art, true))
}

// InvalidateTimeline drops the user's cached timeline from both tiers and
// records an activity signal so the next scheduler tick refreshes it.
// Idempotent: invalidating an absent entry still answers 200.
func (h *Handlers) InvalidateTimeline(c *gin.Context) {
	userID, okID := pathUserID(c)
	if !okID {
		return
	}

	h.svc.Invalidate(c.Request.Context(), userID)
	ok(c, http.StatusOK, gin.H{"userId": userID})
}

// CacheStatus reports whether the user has a cached timeline and, when
// present, its tier and remaining TTL.
func (h *Handlers) CacheStatus(c *gin.Context) {
	userID, okID := pathUserID(c)
	if !okID {
		return
	}

	st := h.svc.Status(c.Request.Context(), userID)
	ok(c, http.StatusOK, CacheStatusResponse{
		Exists: st.Exists,
		Tier:   st.Tier,
		TTLMS:  st.TTL.Milliseconds(),
	})
}
