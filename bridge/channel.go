package bridge

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewChannelID returns a channel id unique per call. It contains no '.', '*'
// or '#', so it is a single word in an AMQP routing key.
func NewChannelID() string {
	id := uuid.New()
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + hex.EncodeToString(id[:])
}
