package telephony

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// legNotification is the backend's webhook payload for a leg state change.
type legNotification struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ParseLegNotification maps a webhook payload to a LegEvent. Statuses the
// bridge does not act on (queued, in-progress and similar) return ok=false
// and are acknowledged without forwarding.
func ParseLegNotification(n legNotification) (LegEvent, bool, error) {
	if n.ID == "" {
		return LegEvent{}, false, fmt.Errorf("telephony: notification missing leg id")
	}
	switch n.Status {
	case "ringing":
		return LegEvent{LegID: n.ID, Kind: LegRinging}, true, nil
	case "answered":
		return LegEvent{LegID: n.ID, Kind: LegAnswered}, true, nil
	case "hangup", "completed", "busy", "failed", "no-answer":
		return LegEvent{LegID: n.ID, Kind: LegHangup}, true, nil
	default:
		return LegEvent{}, false, nil
	}
}

// WebhookHandler accepts backend leg notifications and forwards the mapped
// events to the sink. Always answers 200 for well-formed payloads so the
// backend does not retry events the bridge chose to ignore.
func WebhookHandler(sink EventSink, log *slog.Logger) gin.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(c *gin.Context) {
		var n legNotification
		if err := c.ShouldBindJSON(&n); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		ev, ok, err := ParseLegNotification(n)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if ok {
			log.Debug("leg notification received", "leg_id", ev.LegID, "kind", ev.Kind)
			sink.HandleLegEvent(ev)
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
