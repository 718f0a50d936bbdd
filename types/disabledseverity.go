package types

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/gbl08ma/sqalx"
)

// AlertDisabledSeverity marks a severity level of a mode as not alert-worthy.
// IsClearedState distinguishes levels that mean the line is fine again (good
// service) from levels that are merely suppressed.
type AlertDisabledSeverity struct {
	Mode           string
	SeverityLevel  int
	IsClearedState bool
	Description    string
}

// GetAlertDisabledSeverities returns the whole table
func GetAlertDisabledSeverities(node sqalx.Node) ([]*AlertDisabledSeverity, error) {
	severities := []*AlertDisabledSeverity{}

	tx, err := node.Beginx()
	if err != nil {
		return severities, err
	}
	defer tx.Commit() // read-only tx

	rows, err := sdb.Select("mode", "severity_level", "is_cleared_state", "description").
		From("alert_disabled_severity").
		OrderBy("mode ASC", "severity_level ASC").
		RunWith(tx).Query()
	if err != nil {
		return severities, fmt.Errorf("GetAlertDisabledSeverities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var severity AlertDisabledSeverity
		err := rows.Scan(
			&severity.Mode,
			&severity.SeverityLevel,
			&severity.IsClearedState,
			&severity.Description)
		if err != nil {
			return severities, fmt.Errorf("GetAlertDisabledSeverities: %w", err)
		}
		severities = append(severities, &severity)
	}
	if err := rows.Err(); err != nil {
		return severities, fmt.Errorf("GetAlertDisabledSeverities: %w", err)
	}
	return severities, nil
}

// Update adds or updates the entry
func (severity *AlertDisabledSeverity) Update(node sqalx.Node) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = sdb.Insert("alert_disabled_severity").
		Columns("mode", "severity_level", "is_cleared_state", "description").
		Values(severity.Mode, severity.SeverityLevel, severity.IsClearedState, severity.Description).
		Suffix("ON CONFLICT (mode, severity_level) DO UPDATE SET is_cleared_state = ?, description = ?",
			severity.IsClearedState, severity.Description).
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("UpdateAlertDisabledSeverity: %w", err)
	}
	return tx.Commit()
}

// Delete removes the entry, making the severity level alert-worthy again
func (severity *AlertDisabledSeverity) Delete(node sqalx.Node) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = sdb.Delete("alert_disabled_severity").
		Where(sq.Eq{"mode": severity.Mode, "severity_level": severity.SeverityLevel}).
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("DeleteAlertDisabledSeverity: %w", err)
	}
	return tx.Commit()
}
