package models

// Band is the discrete handling tier assigned to a request, ordered by
// escalation cost.
type Band string

const (
	// BandInstant handles cheap conversational turns.
	BandInstant Band = "instant"

	// BandTask handles bounded single-capability work.
	BandTask Band = "task"

	// BandAgent handles open-ended multi-step work.
	BandAgent Band = "agent"
)

// bandOrder defines the escalation ordering of bands.
var bandOrder = map[Band]int{
	BandInstant: 0,
	BandTask:    1,
	BandAgent:   2,
}

// Compare returns -1, 0, or 1 as b is cheaper than, equal to, or more
// expensive than other.
func (b Band) Compare(other Band) int {
	switch {
	case bandOrder[b] < bandOrder[other]:
		return -1
	case bandOrder[b] > bandOrder[other]:
		return 1
	default:
		return 0
	}
}

// Lane is a metering category axis for usage bookkeeping.
type Lane string

const (
	// LaneChat meters conversational turns.
	LaneChat Lane = "chat"

	// LaneVoiceAudio meters voice synthesis and call handling.
	LaneVoiceAudio Lane = "voice_audio"

	// LaneWebSurfing meters web browsing and retrieval.
	LaneWebSurfing Lane = "web_surfing"

	// LaneImageGen meters image generation.
	LaneImageGen Lane = "image_gen"
)

// PermissionLevel is an ordered authorization level. Higher levels imply all
// lower-level capabilities.
type PermissionLevel int

const (
	// LevelMember is the baseline level every recognized user holds.
	LevelMember PermissionLevel = iota

	// LevelSubAdmin grants moderation-grade capabilities.
	LevelSubAdmin

	// LevelAdmin is the creator / verified-admin level.
	LevelAdmin
)

// String returns the wire name of the level.
func (l PermissionLevel) String() string {
	switch l {
	case LevelMember:
		return "member"
	case LevelSubAdmin:
		return "sub_admin"
	case LevelAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// AtLeast reports whether the level meets or exceeds required.
func (l PermissionLevel) AtLeast(required PermissionLevel) bool {
	return l >= required
}
