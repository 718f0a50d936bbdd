// Package types contains the persistent entities of the alerting backend and
// the functions that load and store them through a sqalx.Node.
package types

import (
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	uuid "github.com/satori/go.uuid"
)

var sdb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// insertBatchSize bounds the number of rows sent in a single multi-row INSERT
const insertBatchSize = 250

// SetDriver adjusts the placeholder format of generated queries to the
// database/sql driver in use. Must be called before any query runs.
func SetDriver(driverName string) {
	switch driverName {
	case "sqlite", "sqlite3":
		sdb = sq.StatementBuilder.PlaceholderFormat(sq.Question)
	default:
		sdb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
}

// Now returns the current time in the precision stored by the database
func Now() time.Time {
	return Timestamp(time.Now())
}

// Timestamp normalizes t to UTC with microsecond precision, so that values
// survive a round trip through either supported database unchanged
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func newID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func getCacheKey(objtype string, other ...interface{}) string {
	elem := make([]string, len(other))
	for i, e := range other {
		elem[i] = fmt.Sprint(e)
	}
	return strings.Join(append([]string{"do", objtype}, elem...), "-")
}
