package bans

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	// The lifecycle is one way: out of ACTIVE, never back in.
	assert.True(t, StatusActive.CanTransitionTo(StatusExpired))
	assert.True(t, StatusActive.CanTransitionTo(StatusUnbanned))

	assert.False(t, StatusExpired.CanTransitionTo(StatusActive))
	assert.False(t, StatusUnbanned.CanTransitionTo(StatusActive))
	assert.False(t, StatusExpired.CanTransitionTo(StatusUnbanned))
	assert.False(t, StatusActive.CanTransitionTo(StatusActive))
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusActive.Valid())
	assert.True(t, StatusExpired.Valid())
	assert.True(t, StatusUnbanned.Valid())
	assert.False(t, Status("BANNED").Valid())
}

func TestBanRecordPermanent(t *testing.T) {
	perm := BanRecord{Duration: 0}
	timed := BanRecord{Duration: 30}
	assert.True(t, perm.Permanent())
	assert.False(t, timed.Permanent())
}
