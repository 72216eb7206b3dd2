package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// NewRevID derives a revision ID of the form "<generation>-<digest>" from
// the parent revision ID and the new body. The digest covers the parent ID
// too, so identical bodies written on different histories get distinct IDs.
func NewRevID(parentRevID string, body map[string]interface{}) string {
	gen := RevIDGeneration(parentRevID) + 1
	raw, _ := json.Marshal(body)
	hash := blake3.Sum256(append([]byte(parentRevID+"\x00"), raw...))
	return fmt.Sprintf("%d-%s", gen, hex.EncodeToString(hash[:16]))
}

// RevIDGeneration returns the generation prefix of a revision ID, or 0 if
// the ID is empty or malformed.
func RevIDGeneration(revID string) int {
	dash := strings.IndexByte(revID, '-')
	if dash <= 0 {
		return 0
	}
	gen, err := strconv.Atoi(revID[:dash])
	if err != nil {
		return 0
	}
	return gen
}

// BodySize reports the encoded size of a document body, used for the
// pusher's in-flight byte accounting.
func BodySize(body map[string]interface{}) int64 {
	if body == nil {
		return 0
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}
