package session

import "time"

// SourceKind distinguishes whole-screen captures from single windows.
type SourceKind string

const (
	SourceScreen SourceKind = "screen"
	SourceWindow SourceKind = "window"
)

// StreamInfo describes one live share inside a room.
type StreamInfo struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	Nickname   string     `json:"nickname"`
	SourceName string     `json:"sourceName"`
	SourceKind SourceKind `json:"sourceKind"`
	Resolution string     `json:"resolution"`
	FPS        int        `json:"fps"`
	StartedAt  time.Time  `json:"startedAt"`
}

// Room is the registry's internal room record. All mutation goes through
// the registry under its lock; callers only ever see snapshots.
type Room struct {
	ID         string
	Name       string
	OwnerID    string
	password   string
	MaxMembers int
	MemberIDs  map[string]struct{}
	Streams    map[string]StreamInfo
	CreatedAt  time.Time
}

func (r *Room) hasPassword() bool {
	return r.password != ""
}

// Participant is one connected member of a room. ConnHandle is the
// opaque reference to the participant's live transport connection;
// there is exactly one live participant per connection.
type Participant struct {
	ID           string
	Nickname     string
	RoomID       string
	IsHost       bool
	IsSharing    bool
	StreamID     string
	ConnHandle   string
	JoinedAt     time.Time
	LastActiveAt time.Time
}

// MemberInfo is the wire view of a participant.
type MemberInfo struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	IsHost    bool      `json:"isHost"`
	IsSharing bool      `json:"isSharing"`
	StreamID  string    `json:"streamId,omitempty"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// RoomSnapshot is a consistent point-in-time view of a room, used for
// join/create responses and reconnection resync.
type RoomSnapshot struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	OwnerID     string       `json:"ownerId"`
	HasPassword bool         `json:"hasPassword"`
	MaxMembers  int          `json:"maxMembers"`
	Members     []MemberInfo `json:"members"`
	Streams     []StreamInfo `json:"streams"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// RoomSummary is the lobby-listing view of a room.
type RoomSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"memberCount"`
	MaxMembers  int    `json:"maxMembers"`
	HasPassword bool   `json:"hasPassword"`
}

// LeaveResult reports the side effects of a participant leaving.
type LeaveResult struct {
	RoomID           string
	ParticipantID    string
	NewOwnerID       string
	RemovedStreamIDs []string
	RoomDeleted      bool
}
