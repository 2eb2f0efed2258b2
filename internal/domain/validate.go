package domain

import (
	"regexp"
	"time"
)

// TimeLayout is the wire format for conference timestamps on the HTTP
// surface. Values are naive UTC.
const TimeLayout = "2006-01-02 15:04:05"

const (
	MaxConferenceDuration = 12 * time.Hour
	MaxConferenceTopics   = 10
	MaxUserTopics         = 50
)

var (
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	textPattern   = regexp.MustCompile(`^[A-Za-z0-9 ]+$`)
)

// ValidateUserID checks the user id format used across all endpoints.
func ValidateUserID(userID string) error {
	if !userIDPattern.MatchString(userID) {
		return NewValidationError("UserID should be Alphanumeric with no special characters")
	}
	return nil
}

// ValidateConferenceName checks the conference name format.
func ValidateConferenceName(name string) error {
	if !textPattern.MatchString(name) {
		return NewValidationError("name should be Alphanumeric String. Spaces are the only special character allowed")
	}
	return nil
}

// Validate checks a user registration request.
func (nu NewUser) Validate() error {
	if err := ValidateUserID(nu.UserID); err != nil {
		return err
	}
	if len(nu.Topics) == 0 {
		return NewValidationError("topics are required")
	}
	if len(nu.Topics) > MaxUserTopics {
		return NewValidationError("max %d topics allowed", MaxUserTopics)
	}
	for _, t := range nu.Topics {
		if !textPattern.MatchString(t) {
			return NewValidationError("Topics should be Alphanumeric with spaces allowed")
		}
	}
	return nil
}

// Validate checks a conference creation request. Timestamps are assumed
// already parsed by the transport.
func (nc NewConference) Validate() error {
	if err := ValidateConferenceName(nc.Name); err != nil {
		return err
	}
	if !textPattern.MatchString(nc.Location) {
		return NewValidationError("location should be Alphanumeric String. Spaces are the only special character allowed")
	}
	if len(nc.Topics) == 0 {
		return NewValidationError("At least one topic is required")
	}
	if len(nc.Topics) > MaxConferenceTopics {
		return NewValidationError("Maximum %d topics allowed", MaxConferenceTopics)
	}
	for _, t := range nc.Topics {
		if !textPattern.MatchString(t) {
			return NewValidationError("Topics should be Alphanumeric with spaces allowed")
		}
	}
	if !nc.StartTime.Before(nc.EndTime) {
		return NewValidationError("Start timestamp must be before end timestamp")
	}
	if nc.EndTime.Sub(nc.StartTime) > MaxConferenceDuration {
		return NewValidationError("Duration should not exceed 12 hours")
	}
	if nc.Slots < 1 {
		return NewValidationError("Available slots must be greater than 0")
	}
	return nil
}

// Overlaps reports whether two half-open intervals [s1,e1) and [s2,e2)
// intersect.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}
