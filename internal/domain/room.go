package domain

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"
)

type RoomID string

// roomDomainKey separates room id hashes from any other blake3 use.
var roomDomainKey = [32]byte{
	'v', 'e', 'r', 'i', 'f', 'y', '.', 'r', 'o', 'o', 'm',
}

// NewRoomID derives a room id from the requesting user and creation time,
// salted with 16 random bytes so two rooms for the same user at the same
// instant still differ and the id cannot be guessed from its inputs.
func NewRoomID(user UserID, createdAt time.Time) (RoomID, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return "", err
	}
	h, err := blake3.NewKeyed(roomDomainKey[:])
	if err != nil {
		return "", err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	_, _ = h.Write([]byte(user))
	_, _ = h.Write(ts[:])
	_, _ = h.Write(salt[:])
	sum := h.Sum(nil)
	return RoomID("room-" + hex.EncodeToString(sum[:16])), nil
}
