package types

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/gbl08ma/sqalx"
	"github.com/oklog/ulid/v2"
)

// Notification log statuses
const (
	// LogStatusSent means the transport accepted the notification
	LogStatusSent = "sent"
	// LogStatusFailed means the transport rejected the notification
	LogStatusFailed = "failed"
	// LogStatusRecorded means the line state was noted without notifying
	LogStatusRecorded = "recorded"
)

// NotificationLog is an append-only record of an alerting decision for a
// (user, route, line). Entries are never updated.
type NotificationLog struct {
	ID        string
	UserID    string
	RouteID   string
	LineID    string
	SentAt    time.Time
	Method    string
	Status    string
	StateHash string
	Cleared   bool
	Error     string
}

// Insert appends the entry to the log. ID and SentAt are assigned when unset.
func (entry *NotificationLog) Insert(node sqalx.Node) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if entry.SentAt.IsZero() {
		entry.SentAt = Now()
	}
	entry.SentAt = Timestamp(entry.SentAt)
	if entry.ID == "" {
		id, err := ulid.New(ulid.Timestamp(entry.SentAt), ulid.DefaultEntropy())
		if err != nil {
			return fmt.Errorf("InsertNotificationLog: %w", err)
		}
		entry.ID = id.String()
	}

	_, err = sdb.Insert("notification_log").
		Columns("id", "user_id", "route_id", "line_id", "sent_at", "method", "status", "state_hash", "cleared", "error").
		Values(entry.ID, entry.UserID, entry.RouteID, entry.LineID, entry.SentAt, entry.Method, entry.Status,
			entry.StateHash, entry.Cleared, entry.Error).
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("InsertNotificationLog: %w", err)
	}
	return tx.Commit()
}

// LastNotification returns the most recent log entry of any status for the
// given user, route and line, or nil if there is none
func LastNotification(node sqalx.Node, userID, routeID, lineID string) (*NotificationLog, error) {
	s := sdb.Select().
		Where(sq.Eq{"user_id": userID, "route_id": routeID, "line_id": lineID})
	return lastNotificationWithSelect(node, s)
}

// LastSentNotification returns the most recent successfully sent entry for the
// given user, route and line, or nil if there is none
func LastSentNotification(node sqalx.Node, userID, routeID, lineID string) (*NotificationLog, error) {
	s := sdb.Select().
		Where(sq.Eq{"user_id": userID, "route_id": routeID, "line_id": lineID, "status": LogStatusSent})
	return lastNotificationWithSelect(node, s)
}

// LastSettledNotification returns the most recent entry that did not fail
// for the given user, route and line, or nil if there is none
func LastSettledNotification(node sqalx.Node, userID, routeID, lineID string) (*NotificationLog, error) {
	s := sdb.Select().
		Where(sq.Eq{"user_id": userID, "route_id": routeID, "line_id": lineID}).
		Where(sq.NotEq{"status": LogStatusFailed})
	return lastNotificationWithSelect(node, s)
}

// GetRouteNotifications returns the log of a route, newest first
func GetRouteNotifications(node sqalx.Node, routeID string) ([]*NotificationLog, error) {
	s := sdb.Select().
		Where(sq.Eq{"route_id": routeID}).
		OrderBy("sent_at DESC", "id DESC")
	return getNotificationLogsWithSelect(node, s)
}

// GetLatestNotifications returns the n most recent log entries across all
// routes, newest first
func GetLatestNotifications(node sqalx.Node, n uint64) ([]*NotificationLog, error) {
	s := sdb.Select().
		OrderBy("sent_at DESC", "id DESC").
		Limit(n)
	return getNotificationLogsWithSelect(node, s)
}

func lastNotificationWithSelect(node sqalx.Node, sbuilder sq.SelectBuilder) (*NotificationLog, error) {
	entries, err := getNotificationLogsWithSelect(node, sbuilder.OrderBy("sent_at DESC", "id DESC").Limit(1))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func getNotificationLogsWithSelect(node sqalx.Node, sbuilder sq.SelectBuilder) ([]*NotificationLog, error) {
	entries := []*NotificationLog{}

	tx, err := node.Beginx()
	if err != nil {
		return entries, err
	}
	defer tx.Commit() // read-only tx

	rows, err := sbuilder.Columns("id", "user_id", "route_id", "line_id", "sent_at", "method", "status",
		"state_hash", "cleared", "error").
		From("notification_log").
		RunWith(tx).Query()
	if err != nil {
		return entries, fmt.Errorf("getNotificationLogsWithSelect: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry NotificationLog
		err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&entry.RouteID,
			&entry.LineID,
			&entry.SentAt,
			&entry.Method,
			&entry.Status,
			&entry.StateHash,
			&entry.Cleared,
			&entry.Error)
		if err != nil {
			return entries, fmt.Errorf("getNotificationLogsWithSelect: %w", err)
		}
		entry.SentAt = Timestamp(entry.SentAt)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return entries, fmt.Errorf("getNotificationLogsWithSelect: %w", err)
	}
	return entries, nil
}
