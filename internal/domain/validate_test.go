package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateUserID(t *testing.T) {
	assert.NoError(t, ValidateUserID("alice01"))
	assert.NoError(t, ValidateUserID("BOB"))

	for _, bad := range []string{"", "alice smith", "bob!", "x_y", "名前"} {
		err := ValidateUserID(bad)
		require.Error(t, err, "user id %q", bad)
		ae, ok := AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, ErrCodeValidation, ae.Code)
	}
}

func TestValidateConferenceName(t *testing.T) {
	assert.NoError(t, ValidateConferenceName("GopherCon 2026"))
	assert.Error(t, ValidateConferenceName("Gopher/Con"))
	assert.Error(t, ValidateConferenceName(""))
}

func TestNewUserValidate(t *testing.T) {
	ok := NewUser{UserID: "alice", Topics: []string{"go", "distributed systems"}}
	assert.NoError(t, ok.Validate())

	noTopics := NewUser{UserID: "alice"}
	err := noTopics.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topics are required")

	tooMany := NewUser{UserID: "alice", Topics: make([]string, MaxUserTopics+1)}
	for i := range tooMany.Topics {
		tooMany.Topics[i] = "t"
	}
	assert.Error(t, tooMany.Validate())

	badTopic := NewUser{UserID: "alice", Topics: []string{"go!"}}
	assert.Error(t, badTopic.Validate())
}

func validConference() NewConference {
	start := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	return NewConference{
		Name:      "GopherCon",
		Location:  "Berlin",
		Topics:    []string{"go"},
		StartTime: start,
		EndTime:   start.Add(8 * time.Hour),
		Slots:     100,
	}
}

func TestNewConferenceValidate(t *testing.T) {
	assert.NoError(t, validConference().Validate())

	t.Run("bad location", func(t *testing.T) {
		nc := validConference()
		nc.Location = "Berlin, DE"
		assert.Error(t, nc.Validate())
	})

	t.Run("no topics", func(t *testing.T) {
		nc := validConference()
		nc.Topics = nil
		err := nc.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "At least one topic is required")
	})

	t.Run("too many topics", func(t *testing.T) {
		nc := validConference()
		nc.Topics = make([]string, MaxConferenceTopics+1)
		for i := range nc.Topics {
			nc.Topics[i] = "t"
		}
		assert.Error(t, nc.Validate())
	})

	t.Run("start not before end", func(t *testing.T) {
		nc := validConference()
		nc.EndTime = nc.StartTime
		err := nc.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Start timestamp must be before end timestamp")
	})

	t.Run("too long", func(t *testing.T) {
		nc := validConference()
		nc.EndTime = nc.StartTime.Add(MaxConferenceDuration + time.Minute)
		err := nc.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Duration should not exceed 12 hours")
	})

	t.Run("no slots", func(t *testing.T) {
		nc := validConference()
		nc.Slots = 0
		err := nc.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Available slots must be greater than 0")
	})
}

func TestOverlaps(t *testing.T) {
	base := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	h := func(n int) time.Time { return base.Add(time.Duration(n) * time.Hour) }

	assert.True(t, Overlaps(h(0), h(4), h(2), h(6)))
	assert.True(t, Overlaps(h(2), h(6), h(0), h(4)))
	assert.True(t, Overlaps(h(0), h(8), h(2), h(4)))

	// Back-to-back intervals do not overlap.
	assert.False(t, Overlaps(h(0), h(4), h(4), h(8)))
	assert.False(t, Overlaps(h(4), h(8), h(0), h(4)))
	assert.False(t, Overlaps(h(0), h(2), h(6), h(8)))
}

func TestParseBookingStatus(t *testing.T) {
	for _, s := range []string{"CONFIRMED", "WAITLISTED", "CONFIRMATION_PENDING", "CANCELED"} {
		got, err := ParseBookingStatus(s)
		require.NoError(t, err)
		assert.Equal(t, BookingStatus(s), got)
	}

	_, err := ParseBookingStatus("confirmed")
	assert.Error(t, err)
	_, err = ParseBookingStatus("")
	assert.Error(t, err)
}

func TestBookingStatusActive(t *testing.T) {
	assert.True(t, StatusConfirmed.Active())
	assert.True(t, StatusWaitlisted.Active())
	assert.True(t, StatusConfirmationPending.Active())
	assert.False(t, StatusCanceled.Active())
}

func TestConferenceStarted(t *testing.T) {
	start := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	c := Conference{StartTime: start}

	assert.False(t, c.Started(start.Add(-time.Second)))
	assert.True(t, c.Started(start))
	assert.True(t, c.Started(start.Add(time.Second)))
}
