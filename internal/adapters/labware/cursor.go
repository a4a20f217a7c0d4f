package labware

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// position is the last (CHANGED_ON, RESULT_ID) pair returned. Ordering on
// both columns keeps paging stable when many rows share a timestamp.
type position struct {
	ChangedOn time.Time
	ResultID  int64
}

// encodeCursor renders a position as an opaque token.
func encodeCursor(p position) string {
	raw := p.ChangedOn.UTC().Format(time.RFC3339Nano) + "|" + strconv.FormatInt(p.ResultID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a token. The empty token is the start of the view.
func decodeCursor(token string) (position, error) {
	if token == "" {
		return position{ChangedOn: time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)}, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return position{}, fmt.Errorf("invalid labware cursor: %w", err)
	}

	changed, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return position{}, fmt.Errorf("invalid labware cursor: missing separator")
	}

	t, err := time.Parse(time.RFC3339Nano, changed)
	if err != nil {
		return position{}, fmt.Errorf("invalid labware cursor timestamp: %w", err)
	}
	resultID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return position{}, fmt.Errorf("invalid labware cursor id: %w", err)
	}

	return position{ChangedOn: t, ResultID: resultID}, nil
}
