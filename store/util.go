package store

import (
	"strings"
	"time"

	"github.com/pborman/uuid"
)

// timePrecision matches DATETIME(6).
const timePrecision = time.Microsecond

// nextCreateTime returns now, bumped past last so that create times of one
// conversation strictly increase.
func nextCreateTime(now, last time.Time) time.Time {
	now = now.Truncate(timePrecision)
	if !last.IsZero() && !now.After(last) {
		return last.Add(timePrecision)
	}
	return now
}

func newId() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

// setClause builds the SET part of an update from non-nil fields.
func setClause(cols []string, vals []*string) (string, []interface{}) {
	var parts []string
	var args []interface{}
	for i, v := range vals {
		if v == nil {
			continue
		}
		parts = append(parts, cols[i]+"=?")
		args = append(args, *v)
	}
	return strings.Join(parts, ","), args
}
