package engine

import "time"

// TrafficShape describes one virtual user's packet generation parameters
// (spec.md §4.E traffic shape table). Replaces the source's duck-typed
// per-user config object with a closed variant over the four user kinds.
type TrafficShape struct {
	User              UserID
	MinPacketBytes    int
	MaxPacketBytes    int
	Interval          time.Duration
	IntervalJitter    time.Duration // applied only to alex's anti-sync steady pattern
	UploadShare       float64       // 0..1
	Bursty            bool
	PayloadType       PayloadType
	GOPLength         int // sarah's I/P/B cadence; 0 for non-video users
}

// VirtualUserProfile is the static per-user record of spec.md §3.
type VirtualUserProfile struct {
	ID              UserID
	ActivityType    string
	Priority        string
	TargetDownMbps  float64
	TargetUpMbps    float64
	LatencyThreshMs float64
	JitterThreshMs  float64
	Shape           TrafficShape
}

// DefaultProfiles returns the four Virtual Household user profiles with
// their documented traffic shapes (spec.md §4.E). computer's TargetDownMbps
// is a placeholder until the adaptive probe updates it exactly once.
func DefaultProfiles() map[UserID]*VirtualUserProfile {
	return map[UserID]*VirtualUserProfile{
		UserAlex: {
			ID:              UserAlex,
			ActivityType:    "gaming",
			Priority:        "latency-critical",
			TargetDownMbps:  2,
			TargetUpMbps:    1,
			LatencyThreshMs: 50,
			JitterThreshMs:  10,
			Shape: TrafficShape{
				User:           UserAlex,
				MinPacketBytes: 64,
				MaxPacketBytes: 128,
				Interval:       25 * time.Millisecond,
				IntervalJitter: 2 * time.Millisecond,
				UploadShare:    0.30,
				Bursty:         false,
				PayloadType:    PayloadGame,
			},
		},
		UserSarah: {
			ID:              UserSarah,
			ActivityType:    "video call",
			Priority:        "latency-sensitive",
			TargetDownMbps:  3,
			TargetUpMbps:    3,
			LatencyThreshMs: 100,
			JitterThreshMs:  20,
			Shape: TrafficShape{
				User:           UserSarah,
				MinPacketBytes: 600,
				MaxPacketBytes: 1400,
				Interval:       20 * time.Millisecond,
				UploadShare:    0.50,
				Bursty:         false,
				PayloadType:    PayloadVideoP,
				GOPLength:      30,
			},
		},
		UserJake: {
			ID:              UserJake,
			ActivityType:    "HD streaming",
			Priority:        "throughput-sensitive",
			TargetDownMbps:  25,
			TargetUpMbps:    1,
			LatencyThreshMs: 200,
			JitterThreshMs:  50,
			Shape: TrafficShape{
				User:           UserJake,
				MinPacketBytes: 8 * 1024,
				MaxPacketBytes: 8 * 1024,
				Interval:       8 * time.Millisecond,
				UploadShare:    0.10,
				Bursty:         true,
				PayloadType:    PayloadStream,
			},
		},
		UserComputer: {
			ID:              UserComputer,
			ActivityType:    "bulk",
			Priority:        "best-effort",
			TargetDownMbps:  0, // set exactly once by the adaptive probe
			TargetUpMbps:    5,
			LatencyThreshMs: 300,
			JitterThreshMs:  100,
			Shape: TrafficShape{
				User:           UserComputer,
				MinPacketBytes: 16 * 1024,
				MaxPacketBytes: 16 * 1024,
				Interval:       1 * time.Millisecond,
				UploadShare:    0.40,
				Bursty:         true,
				PayloadType:    PayloadBulk,
			},
		},
	}
}

// sentimentMessages maps (level, trend) to a human-facing status string, the
// "message-by-(level,trend) table" of spec.md §3. Kept intentionally terse
// (view-layer owns presentation); the engine only needs a stable key.
var sentimentMessages = map[string]string{
	"excellent:stable":    "rock solid",
	"excellent:improving": "getting even better",
	"excellent:degrading": "still excellent, watch this",
	"good:stable":         "holding steady",
	"good:improving":      "improving",
	"good:degrading":      "starting to slip",
	"fair:stable":         "noticeably loaded",
	"fair:improving":      "recovering",
	"fair:degrading":      "degrading under load",
	"poor:stable":         "struggling",
	"poor:improving":      "recovering from a bad stretch",
	"poor:degrading":      "severely bufferbloated",
}

func sentimentMessageKey(level SentimentLevel, trend SentimentTrend) string {
	return level.String() + ":" + trend.String()
}

// sentimentMessage looks up the human-facing status string for (level,
// trend), falling back to the level name alone for a combination the table
// does not (yet) cover.
func sentimentMessage(level SentimentLevel, trend SentimentTrend) string {
	if msg, ok := sentimentMessages[sentimentMessageKey(level, trend)]; ok {
		return msg
	}
	return level.String()
}

// DeriveSentiment scores a user's current throughput, mean latency, jitter
// and packet loss against that user's own targets/thresholds (spec.md §3),
// producing the per-tick quality signal the household view consumes. prev is
// the user's previous Sentiment, used only to compute trend; pass the zero
// value on the user's first tick.
func DeriveSentiment(profile *VirtualUserProfile, downBps, upBps, meanMs, jitterMs, packetLoss float64, prev Sentiment, havePrev bool) Sentiment {
	latencyRatio := meanMs / profile.LatencyThreshMs
	jitterRatio := jitterMs / profile.JitterThreshMs
	lossPenalty := packetLoss * 100
	throughputPenalty := (1 - throughputRatio(profile, downBps, upBps)) * 40

	score := 100.0 - (latencyRatio*25 + jitterRatio*15 + lossPenalty + throughputPenalty)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	var level SentimentLevel
	switch {
	case score >= 90:
		level = SentimentExcellent
	case score >= 70:
		level = SentimentGood
	case score >= 40:
		level = SentimentFair
	default:
		level = SentimentPoor
	}

	trend := TrendStable
	if havePrev {
		switch {
		case SentimentLevelScore(score) > prev.Score+5:
			trend = TrendImproving
		case SentimentLevelScore(score) < prev.Score-5:
			trend = TrendDegrading
		}
	}

	return Sentiment{Score: SentimentLevelScore(score), Level: level, Trend: trend}
}

// throughputRatio returns how close achieved down/up throughput (in bytes
// per second) came to profile's targets (in Mbps), weighted by the user's
// upload share, clamped to [0,1]. A zero or negative target (the computer
// profile before its adaptive probe completes) is excluded from the blend
// rather than treated as a shortfall.
func throughputRatio(profile *VirtualUserProfile, downBps, upBps float64) float64 {
	downMbps := downBps * 8 / 1_000_000
	upMbps := upBps * 8 / 1_000_000

	ratio := func(achieved, target float64) (float64, bool) {
		if target <= 0 {
			return 0, false
		}
		r := achieved / target
		if r > 1 {
			r = 1
		}
		if r < 0 {
			r = 0
		}
		return r, true
	}

	downRatio, haveDown := ratio(downMbps, profile.TargetDownMbps)
	upRatio, haveUp := ratio(upMbps, profile.TargetUpMbps)

	switch {
	case haveDown && haveUp:
		share := profile.Shape.UploadShare
		return downRatio*(1-share) + upRatio*share
	case haveDown:
		return downRatio
	case haveUp:
		return upRatio
	default:
		return 1 // no usable target; do not penalize
	}
}
