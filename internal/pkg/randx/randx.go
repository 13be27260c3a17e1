/*
Package randx provides functions for generating cryptographically secure random identifiers.

It is primarily used to generate fixed-length Base62 encoded private room ids and
guest identities derived from a local ordinal counter.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

const (
	// Base62Chars defines the character set used for Base62 encoding (0-9, A-Z, a-z).
	Base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Base62Len is the total number of characters in the Base62 character set (62).
	Base62Len = int64(len(Base62Chars))

	// RoomIDLength is the fixed length of a generated private room id.
	RoomIDLength = 6

	// GuestPrefix is the leading marker for locally allocated guest identities.
	GuestPrefix = "guest_"
)

// RoomID generates a Base62 encoded private room id using crypto/rand.
// Every digit is drawn independently; callers are expected to collision-check
// the result against existing ids and regenerate the whole id on collision.
func RoomID() (string, error) {
	result := make([]byte, RoomIDLength)

	for i := range RoomIDLength {
		num, err := rand.Int(rand.Reader, big.NewInt(Base62Len))
		if err != nil {
			return "", fmt.Errorf("failed to generate random digit for room id: %v", err)
		}

		result[i] = Base62Chars[num.Int64()]
	}

	return string(result), nil
}

// GuestID renders the given ordinal as a guest identity with the guest marker prefix.
func GuestID(ordinal int64) string {
	return GuestPrefix + strconv.FormatInt(ordinal, 10)
}

// IsGuestID reports whether the given uid carries the guest marker prefix.
func IsGuestID(uid string) bool {
	return strings.HasPrefix(uid, GuestPrefix)
}

// IsValidRoomID checks if the given string is a well-formed private room id:
// length equals RoomIDLength and all characters belong to the Base62 set.
func IsValidRoomID(id string) bool {
	if len(id) != RoomIDLength {
		return false
	}

	for _, char := range id {
		if !strings.ContainsRune(Base62Chars, char) {
			return false
		}
	}

	return true
}
