package store

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/safar/arms-allocation/internal/models"
)

type CursorPage struct {
	Items      []models.Assignment `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
	HasMore    bool                `json:"has_more"`
}

type AssignmentCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id"`
}

func EncodeCursor(cursor AssignmentCursor) string {
	data, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

func DecodeCursor(encoded string) (AssignmentCursor, error) {
	var cursor AssignmentCursor
	if encoded == "" {
		return AssignmentCursor{
			CreatedAt: time.Now().Add(time.Hour),
			ID:        int64(1<<63 - 1),
		}, nil
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return cursor, err
	}

	err = json.Unmarshal(data, &cursor)
	return cursor, err
}

// assignmentPage trims a limit+1 result set and builds the next cursor.
func assignmentPage(items []models.Assignment, limit int) *CursorPage {
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	var nextCursor string
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		nextCursor = EncodeCursor(AssignmentCursor{
			CreatedAt: last.AssignedAt,
			ID:        last.ID,
		})
	}

	if items == nil {
		items = []models.Assignment{}
	}

	return &CursorPage{
		Items:      items,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}
}
