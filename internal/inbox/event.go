package inbox

import (
	"time"

	"chainvault/internal/chain"
)

// Event is a backup-completion report waiting to be recorded in its chain.
type Event struct {
	ID         string                 `json:"id"`
	Subject    string                 `json:"subject"`
	Backup     chain.AddBackupRequest `json:"backup"`
	ReceivedAt time.Time              `json:"received_at"`
}

// RejectedEvent is an event whose processing was refused. Retrying it would
// fail the same way, so it is kept aside for an operator.
type RejectedEvent struct {
	Event      Event     `json:"event"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}
