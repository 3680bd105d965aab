package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Mobile App: Budget Tracker", "budget tracker"},
		{"  budget   TRACKER ", "budget tracker"},
		{"web app:budget tracker", "budget tracker"},
		{"Idea: App: budget tracker", "budget tracker"},
		{"Budget\ttracker\n", "budget tracker"},
		{"app:", ""},
		{"   ", ""},
		{"an app: for budgets", "an app: for budgets"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestFingerprint_EquivalentDescriptionsCollide(t *testing.T) {
	a := Fingerprint("Mobile App: Budget Tracker")
	b := Fingerprint("budget   tracker")
	c := Fingerprint("IDEA:   Budget Tracker ")

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Fingerprint("Budget Planner"))
}

func TestFingerprint_Deterministic(t *testing.T) {
	assert.Equal(t, hashNormalized("budget tracker"), Fingerprint("Budget Tracker"))
	assert.Equal(t, Fingerprint("Budget Tracker"), Fingerprint("Budget Tracker"))
}
