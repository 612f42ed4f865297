// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"fmt"
	"time"
)

// EntityType identifies the kind of entity under investigation.
type EntityType string

const (
	EntityUserID     EntityType = "USER_ID"
	EntityEmail      EntityType = "EMAIL"
	EntityIP         EntityType = "IP"
	EntityDeviceID   EntityType = "DEVICE_ID"
	EntityMerchantID EntityType = "MERCHANT_ID"
)

// Valid reports whether the entity type is one of the supported kinds.
func (t EntityType) Valid() bool {
	switch t {
	case EntityUserID, EntityEmail, EntityIP, EntityDeviceID, EntityMerchantID:
		return true
	}
	return false
}

// Subject is the immutable identity of the thing under investigation.
type Subject struct {
	EntityType  EntityType `json:"entityType"`
	EntityValue string     `json:"entityValue"`
}

// Validate checks that the subject is well-formed.
func (s Subject) Validate() error {
	if !s.EntityType.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, s.EntityType)
	}
	if s.EntityValue == "" {
		return fmt.Errorf("%w: entity value is required", ErrInvalidInput)
	}
	return nil
}

// Key returns a stable cache/lookup key for the subject.
func (s Subject) Key() string {
	return string(s.EntityType) + ":" + s.EntityValue
}

// TimeRange is the observation window for an investigation.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks that the window is non-empty and ordered.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: time range start and end are required", ErrInvalidInput)
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("%w: time range end must be after start", ErrInvalidInput)
	}
	return nil
}

// Duration returns the window length.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}
