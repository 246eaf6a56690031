package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfiles_AllFourUsers(t *testing.T) {
	profiles := DefaultProfiles()
	require.Len(t, profiles, 4)
	for _, id := range []UserID{UserAlex, UserSarah, UserJake, UserComputer} {
		p, ok := profiles[id]
		require.True(t, ok, "missing profile for %s", id)
		assert.Equal(t, id, p.ID)
		assert.Equal(t, id, p.Shape.User)
	}
}

func TestDefaultProfiles_ComputerHasNoStaticDownloadTarget(t *testing.T) {
	profiles := DefaultProfiles()
	assert.Equal(t, 0.0, profiles[UserComputer].TargetDownMbps,
		"computer's download target must wait for the adaptive probe")
}

func TestDeriveSentiment_ExcellentUnderThreshold(t *testing.T) {
	profile := DefaultProfiles()[UserAlex]
	downBps := profile.TargetDownMbps * 1_000_000 / 8
	upBps := profile.TargetUpMbps * 1_000_000 / 8
	s := DeriveSentiment(profile, downBps, upBps, 5, 1, 0, Sentiment{}, false)
	assert.Equal(t, SentimentExcellent, s.Level)
	assert.Equal(t, TrendStable, s.Trend)
}

func TestDeriveSentiment_PoorOverThreshold(t *testing.T) {
	profile := DefaultProfiles()[UserAlex]
	s := DeriveSentiment(profile, 0, 0, 500, 200, 0.5, Sentiment{}, false)
	assert.Equal(t, SentimentPoor, s.Level)
}

func TestDeriveSentiment_TrendDegrading(t *testing.T) {
	profile := DefaultProfiles()[UserSarah]
	downBps := profile.TargetDownMbps * 1_000_000 / 8
	upBps := profile.TargetUpMbps * 1_000_000 / 8
	prev := DeriveSentiment(profile, downBps, upBps, 10, 2, 0, Sentiment{}, false)
	next := DeriveSentiment(profile, 0, 0, 300, 100, 0.3, prev, true)
	assert.Equal(t, TrendDegrading, next.Trend)
}

func TestThroughputRatio_MissingTargetNotPenalized(t *testing.T) {
	profile := DefaultProfiles()[UserComputer]
	profile.TargetDownMbps = 0
	profile.TargetUpMbps = 0
	assert.Equal(t, 1.0, throughputRatio(profile, 0, 0))
}

func TestSentimentMessage_UnknownLevelReadsAsPoor(t *testing.T) {
	msg := sentimentMessage(SentimentLevel(99), TrendStable)
	// SentimentLevel.String()'s default case names it "poor", and the table
	// has a "poor:stable" entry.
	assert.Equal(t, "struggling", msg)
}
