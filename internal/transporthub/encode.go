package transporthub

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/liku-ai/gamecoord/internal/protocol"
)

func encodeOutbound(out protocol.Outbound) ([]byte, error) {
	return json.Marshal(out)
}

func newUUID() string {
	return uuid.NewString()
}
