package session

import (
	"crypto/rand"
	"log"
	"math/big"

	"github.com/google/uuid"
)

// Room codes are short and human-typeable. The alphabet excludes the
// visually ambiguous characters 0/O/1/I/L.
const (
	roomCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	roomCodeLength   = 6

	streamIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	streamIDLength   = 16
)

// NewRoomCode generates a fresh room code. Uniqueness against live rooms
// is the registry's job; this only guarantees unguessability.
func NewRoomCode() string {
	return randomString(roomCodeAlphabet, roomCodeLength)
}

// NewParticipantID generates an opaque, globally unique participant id.
// Participant ids are never accepted from clients.
func NewParticipantID() string {
	return uuid.NewString()
}

// NewStreamID generates an opaque stream id.
func NewStreamID() string {
	return randomString(streamIDAlphabet, streamIDLength)
}

func randomString(alphabet string, length int) string {
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = alphabet[randomIndex(len(alphabet))]
	}
	return string(buf)
}

// randomIndex returns a cryptographically secure random index for a slice of given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		log.Panic("Failed to generate random index:", err)
	}
	return int(n.Int64())
}
