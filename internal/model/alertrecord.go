package model

import "time"

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStaleRate  AlertType = "STALE_RATE"
	AlertRateChange AlertType = "RATE_CHANGE"
)

// Severity classifies the financial impact of an alert.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

// AlertRecord is an append-only notification record. IdempotencyKey is
// unique: retried emission of the same logical alert is suppressed at insert.
type AlertRecord struct {
	ID             string    `json:"id"`
	Type           AlertType `json:"alert_type"`
	AffectedCodes  []string  `json:"affected_codes"`
	Severity       Severity  `json:"severity"`
	CreatedAt      time.Time `json:"created_at"`
	Dispatched     bool      `json:"dispatched"`
	IdempotencyKey string    `json:"idempotency_key"`
	Payload        []byte    `json:"payload,omitempty"` // serialized notification body
}
