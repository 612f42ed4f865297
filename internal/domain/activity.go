package domain

import "time"

// Activity kinds recognized by the pattern detectors.
const (
	ActivityPurchase   = "purchase"
	ActivityTransfer   = "transfer"
	ActivityRefund     = "refund"
	ActivityChargeback = "chargeback"
	ActivityLogin      = "login"
)

// ActivityEvent is one raw transaction or activity record for a subject.
// The pattern engine and the built-in domain analyzers inspect these; the
// upstream systems that produce them are external collaborators.
type ActivityEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	AccountID  string         `json:"accountId,omitempty"`
	Email      string         `json:"email,omitempty"`
	DeviceID   string         `json:"deviceId,omitempty"`
	IP         string         `json:"ip,omitempty"`
	CardBIN    string         `json:"cardBin,omitempty"`
	CardID     string         `json:"cardId,omitempty"`
	MerchantID string         `json:"merchantId,omitempty"`
	Amount     float64        `json:"amount"`
	Currency   string         `json:"currency,omitempty"`
	Country    string         `json:"country,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
