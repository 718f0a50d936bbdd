package types

import (
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/SaidinWoT/timespan"
	"github.com/gbl08ma/sqalx"
	"github.com/lib/pq"
)

// RouteSchedule is a weekly window in which a route is monitored, expressed in
// the time zone of the route
type RouteSchedule struct {
	ID      string
	RouteID string
	// Days holds lowercase three-letter weekday codes ("mon", "tue", ...)
	Days []string
	// StartTime and EndTime are "15:04" wall clock times. An EndTime not after
	// StartTime describes a window that ends on the following day.
	StartTime string
	EndTime   string
	CreatedAt time.Time
	DeletedAt pq.NullTime
}

var weekdayCodes = map[time.Weekday]string{
	time.Sunday:    "sun",
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
}

const scheduleTimeLayout = "15:04"

// Validate checks the weekday codes and times of the schedule
func (schedule *RouteSchedule) Validate() error {
	if len(schedule.Days) == 0 {
		return fmt.Errorf("schedule has no days")
	}
	for _, day := range schedule.Days {
		found := false
		for _, code := range weekdayCodes {
			if strings.ToLower(day) == code {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("schedule: invalid day %q", day)
		}
	}
	if _, err := time.Parse(scheduleTimeLayout, schedule.StartTime); err != nil {
		return fmt.Errorf("schedule: invalid start time: %w", err)
	}
	if _, err := time.Parse(scheduleTimeLayout, schedule.EndTime); err != nil {
		return fmt.Errorf("schedule: invalid end time: %w", err)
	}
	return nil
}

func (schedule *RouteSchedule) hasDay(day time.Weekday) bool {
	code := weekdayCodes[day]
	for _, d := range schedule.Days {
		if strings.ToLower(d) == code {
			return true
		}
	}
	return false
}

// ActiveAt returns whether t falls inside the schedule, evaluated in loc.
// Windows that cross midnight belong to the day they start on.
func (schedule *RouteSchedule) ActiveAt(t time.Time, loc *time.Location) bool {
	start, err := time.Parse(scheduleTimeLayout, schedule.StartTime)
	if err != nil {
		return false
	}
	end, err := time.Parse(scheduleTimeLayout, schedule.EndTime)
	if err != nil {
		return false
	}

	t = t.In(loc)
	// the window that contains t may have started the day before
	for _, offset := range []int{-1, 0} {
		day := t.AddDate(0, 0, offset)
		if !schedule.hasDay(day.Weekday()) {
			continue
		}
		openTime := time.Date(day.Year(), day.Month(), day.Day(), start.Hour(), start.Minute(), 0, 0, loc)
		closeTime := time.Date(day.Year(), day.Month(), day.Day(), end.Hour(), end.Minute(), 0, 0, loc)
		if !closeTime.After(openTime) {
			closeTime = closeTime.AddDate(0, 0, 1)
		}
		span := timespan.New(openTime, closeTime.Sub(openTime))
		if span.ContainsTime(t) && t.Before(closeTime) {
			return true
		}
	}
	return false
}

// GetRouteSchedules returns the active schedules of a route
func GetRouteSchedules(node sqalx.Node, routeID string) ([]*RouteSchedule, error) {
	s := sdb.Select().
		Where(sq.Eq{"route_id": routeID}).
		Where("deleted_at IS NULL").
		OrderBy("created_at ASC")
	return getSchedulesWithSelect(node, s)
}

func getSchedulesWithSelect(node sqalx.Node, sbuilder sq.SelectBuilder) ([]*RouteSchedule, error) {
	schedules := []*RouteSchedule{}

	tx, err := node.Beginx()
	if err != nil {
		return schedules, err
	}
	defer tx.Commit() // read-only tx

	rows, err := sbuilder.Columns("id", "route_id", "days", "start_time", "end_time", "created_at", "deleted_at").
		From("route_schedule").
		RunWith(tx).Query()
	if err != nil {
		return schedules, fmt.Errorf("getSchedulesWithSelect: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schedule RouteSchedule
		var days pq.StringArray
		err := rows.Scan(
			&schedule.ID,
			&schedule.RouteID,
			&days,
			&schedule.StartTime,
			&schedule.EndTime,
			&schedule.CreatedAt,
			&schedule.DeletedAt)
		if err != nil {
			return schedules, fmt.Errorf("getSchedulesWithSelect: %w", err)
		}
		schedule.Days = days
		schedules = append(schedules, &schedule)
	}
	if err := rows.Err(); err != nil {
		return schedules, fmt.Errorf("getSchedulesWithSelect: %w", err)
	}
	return schedules, nil
}

// Update adds or updates the schedule
func (schedule *RouteSchedule) Update(node sqalx.Node) error {
	if err := schedule.Validate(); err != nil {
		return err
	}

	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if schedule.ID == "" {
		schedule.ID, err = newID()
		if err != nil {
			return fmt.Errorf("UpdateSchedule: %w", err)
		}
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = Now()
	}
	days := pq.StringArray(schedule.Days)

	_, err = sdb.Insert("route_schedule").
		Columns("id", "route_id", "days", "start_time", "end_time", "created_at", "deleted_at").
		Values(schedule.ID, schedule.RouteID, days, schedule.StartTime, schedule.EndTime, schedule.CreatedAt, schedule.DeletedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET days = ?, start_time = ?, end_time = ?",
			days, schedule.StartTime, schedule.EndTime).
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("UpdateSchedule: %w", err)
	}
	return tx.Commit()
}

// Delete soft-deletes the schedule
func (schedule *RouteSchedule) Delete(node sqalx.Node) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := Now()
	_, err = sdb.Update("route_schedule").
		Set("deleted_at", now).
		Where(sq.Eq{"id": schedule.ID}).
		Where("deleted_at IS NULL").
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("DeleteSchedule: %w", err)
	}
	schedule.DeletedAt = pq.NullTime{Time: now, Valid: true}
	return tx.Commit()
}
