package types

import "time"

// MaxDeliveredEntries bounds the delivery log kept alongside the ledger head.
const MaxDeliveredEntries = 100

// HistoryRecord is the persisted ledger content.
// Only LastDeliveredID takes part in idempotency decisions.
type HistoryRecord struct {
	LastDeliveredID ArtifactID       `json:"last_delivered_id,omitempty"`
	LastDeliveredAt *time.Time       `json:"last_delivered_at,omitempty"`
	Delivered       []DeliveredEntry `json:"delivered,omitempty"`
}

// DeliveredEntry is one confirmed delivery, most recent first in HistoryRecord.
type DeliveredEntry struct {
	ID     ArtifactID `json:"id"`
	Name   string     `json:"name,omitempty"`
	Digest string     `json:"digest,omitempty"`
	At     time.Time  `json:"at"`
}

// AlreadyDelivered reports whether id equals the most recently delivered identifier.
// An unknown id is never considered delivered.
func (h *HistoryRecord) AlreadyDelivered(id ArtifactID) bool {
	if h == nil || !id.Known() {
		return false
	}
	return h.LastDeliveredID == id
}
