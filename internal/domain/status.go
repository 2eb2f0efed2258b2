package domain

import "fmt"

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	StatusConfirmed           BookingStatus = "CONFIRMED"
	StatusWaitlisted          BookingStatus = "WAITLISTED"
	StatusConfirmationPending BookingStatus = "CONFIRMATION_PENDING"
	StatusCanceled            BookingStatus = "CANCELED"
)

// ParseBookingStatus converts a raw string (e.g. a DB enum value) into a
// BookingStatus, rejecting unknown values.
func ParseBookingStatus(s string) (BookingStatus, error) {
	switch BookingStatus(s) {
	case StatusConfirmed, StatusWaitlisted, StatusConfirmationPending, StatusCanceled:
		return BookingStatus(s), nil
	default:
		return "", fmt.Errorf("unknown booking status %q", s)
	}
}

// Active reports whether the booking still occupies a slot or a waitlist
// position (i.e. anything except CANCELED).
func (s BookingStatus) Active() bool {
	return s == StatusConfirmed || s == StatusWaitlisted || s == StatusConfirmationPending
}
