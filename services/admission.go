// services/admission.go
package services

import (
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"game-entry-service/models"
)

const (
	AdmissionReasonRegistrationClosed = "registration_closed"
	AdmissionReasonCapacityFull       = "capacity_full"
)

// AdmissionDecision is the outcome of CheckAdmission. ClosesAt and Capacity
// are filled whenever the game has them, open or not.
type AdmissionDecision struct {
	Open     bool       `json:"open"`
	Reason   string     `json:"reason,omitempty"`
	ClosesAt *time.Time `json:"closes_at,omitempty"`
	Capacity *int       `json:"capacity,omitempty"`
	Joined   int64      `json:"joined"`
}

// CheckAdmission decides whether a new participant may be seated.
// Existing participants bypass both the window and the capacity check.
func CheckAdmission(game *models.Game, joinedCount int64, isExistingParticipant bool, now time.Time) AdmissionDecision {
	d := AdmissionDecision{Open: true, Joined: joinedCount}
	if closesAt, ok := game.RegistrationClosesAt(); ok {
		d.ClosesAt = &closesAt
	}
	if capacity, ok := game.EffectiveCapacity(); ok {
		d.Capacity = &capacity
	}

	if isExistingParticipant {
		return d
	}

	if d.ClosesAt != nil && !now.Before(*d.ClosesAt) {
		d.Open = false
		d.Reason = AdmissionReasonRegistrationClosed
		return d
	}
	if d.Capacity != nil && joinedCount >= int64(*d.Capacity) {
		d.Open = false
		d.Reason = AdmissionReasonCapacityFull
	}
	return d
}

var reasonPrinter = message.NewPrinter(language.English)

// Message renders the rejection for the client. Empty when open.
func (d AdmissionDecision) Message() string {
	switch d.Reason {
	case AdmissionReasonRegistrationClosed:
		return reasonPrinter.Sprintf("registration closed at %s", d.ClosesAt.UTC().Format(time.RFC3339))
	case AdmissionReasonCapacityFull:
		return reasonPrinter.Sprintf("game is full (%d of %d seats taken)", d.Joined, *d.Capacity)
	}
	return ""
}
