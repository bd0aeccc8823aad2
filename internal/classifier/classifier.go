// Package classifier assigns a handling band and metering lanes to requests.
package classifier

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/courier/internal/logging"
	"github.com/opencode-ai/courier/internal/models"
)

// Band thresholds on the routing score. Lower boundaries are inclusive:
// score <= 0.30 is instant, 0.30 < score <= 0.60 is task, above is agent.
const (
	InstantThreshold = 0.30
	TaskThreshold    = 0.60
)

// Signals carries the upstream inputs to classification.
type Signals struct {
	// Score is the pre-computed routing score in [0,1]. Nil when the
	// upstream source yielded no usable score.
	Score *float64

	// Content is the request text, used by the lexical fallback steps.
	Content string
}

// Decision is the classification result. Lanes is never empty.
type Decision struct {
	// Band is the handling tier.
	Band models.Band

	// Lanes are the metering lanes the request touches.
	Lanes []models.Lane

	// Source names the chain step that decided the band.
	Source string
}

// HasLane reports whether the decision includes the given lane.
func (d Decision) HasLane(lane models.Lane) bool {
	for _, l := range d.Lanes {
		if l == lane {
			return true
		}
	}
	return false
}

// ClassifyScore maps a routing score to a band. Out-of-range scores are
// clamped, never rejected.
func ClassifyScore(score float64) models.Band {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	switch {
	case score <= InstantThreshold:
		return models.BandInstant
	case score <= TaskThreshold:
		return models.BandTask
	default:
		return models.BandAgent
	}
}

// urlCues mark content that needs web browsing.
var urlCues = []string{"http://", "https://", "www."}

// voiceCues mark content with call or speech intent.
var voiceCues = []string{"voice", "call me", "read aloud", "say it", "speak", "audio"}

// Classifier runs the ordered classification chain.
type Classifier struct {
	logger zerolog.Logger
}

// New creates a new Classifier.
func New() *Classifier {
	return &Classifier{logger: logging.Component("classifier")}
}

// Classify runs the chain in priority order: score thresholds decide the
// band when a score is present; lexical URL cues add the web_surfing lane;
// voice cues add the voice_audio lane; the chat lane is the guaranteed
// default so the lane set is never empty.
func (c *Classifier) Classify(signals Signals) Decision {
	decision := Decision{}

	if signals.Score != nil {
		decision.Band = ClassifyScore(*signals.Score)
		decision.Source = "score"
	} else {
		// No usable score: lexical cues escalate to task, otherwise the
		// request stays in the cheapest band.
		decision.Band = models.BandInstant
		decision.Source = "default"
	}

	content := strings.ToLower(signals.Content)

	if containsAny(content, urlCues) {
		decision.Lanes = append(decision.Lanes, models.LaneWebSurfing)
		if signals.Score == nil {
			decision.Band = models.BandTask
			decision.Source = "lexical:url"
		}
	}
	if containsAny(content, voiceCues) {
		decision.Lanes = append(decision.Lanes, models.LaneVoiceAudio)
		if signals.Score == nil && decision.Source == "default" {
			decision.Band = models.BandTask
			decision.Source = "lexical:voice"
		}
	}

	// Every request meters at least one conversational turn.
	decision.Lanes = append(decision.Lanes, models.LaneChat)

	c.logger.Debug().
		Str("band", string(decision.Band)).
		Str("source", decision.Source).
		Int("lanes", len(decision.Lanes)).
		Msg("request classified")

	return decision
}

func containsAny(s string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(s, cue) {
			return true
		}
	}
	return false
}
