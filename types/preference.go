package types

import (
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/gbl08ma/sqalx"
	"github.com/lib/pq"
)

// Notification methods
const (
	MethodEmail = "email"
	MethodSMS   = "sms"
)

// NotificationPreference is the delivery target for the alerts of a route.
// Exactly one of EmailContact and PhoneContact is set.
type NotificationPreference struct {
	ID           string
	RouteID      string
	EmailContact string
	PhoneContact string
	CreatedAt    time.Time
	DeletedAt    pq.NullTime
}

// Validate returns ErrInvalidPreference unless exactly one contact is set
func (pref *NotificationPreference) Validate() error {
	if (pref.EmailContact == "") == (pref.PhoneContact == "") {
		return ErrInvalidPreference
	}
	return nil
}

// Method returns the delivery method implied by the contact that is set
func (pref *NotificationPreference) Method() string {
	if pref.EmailContact != "" {
		return MethodEmail
	}
	return MethodSMS
}

// Contact returns the address or number to deliver to
func (pref *NotificationPreference) Contact() string {
	if pref.EmailContact != "" {
		return pref.EmailContact
	}
	return pref.PhoneContact
}

// GetRoutePreferences returns the live notification preferences of a route
func GetRoutePreferences(node sqalx.Node, routeID string) ([]*NotificationPreference, error) {
	s := sdb.Select().
		Where(sq.Eq{"route_id": routeID}).
		Where("deleted_at IS NULL").
		OrderBy("created_at ASC")
	return getPreferencesWithSelect(node, s)
}

func getPreferencesWithSelect(node sqalx.Node, sbuilder sq.SelectBuilder) ([]*NotificationPreference, error) {
	prefs := []*NotificationPreference{}

	tx, err := node.Beginx()
	if err != nil {
		return prefs, err
	}
	defer tx.Commit() // read-only tx

	rows, err := sbuilder.Columns("id", "route_id", "email_contact", "phone_contact", "created_at", "deleted_at").
		From("notification_preference").
		RunWith(tx).Query()
	if err != nil {
		return prefs, fmt.Errorf("getPreferencesWithSelect: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pref NotificationPreference
		var email, phone sql.NullString
		err := rows.Scan(
			&pref.ID,
			&pref.RouteID,
			&email,
			&phone,
			&pref.CreatedAt,
			&pref.DeletedAt)
		if err != nil {
			return prefs, fmt.Errorf("getPreferencesWithSelect: %w", err)
		}
		pref.EmailContact = email.String
		pref.PhoneContact = phone.String
		prefs = append(prefs, &pref)
	}
	if err := rows.Err(); err != nil {
		return prefs, fmt.Errorf("getPreferencesWithSelect: %w", err)
	}
	return prefs, nil
}

// Update adds or updates the preference
func (pref *NotificationPreference) Update(node sqalx.Node) error {
	if err := pref.Validate(); err != nil {
		return err
	}

	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if pref.ID == "" {
		pref.ID, err = newID()
		if err != nil {
			return fmt.Errorf("UpdatePreference: %w", err)
		}
	}
	if pref.CreatedAt.IsZero() {
		pref.CreatedAt = Now()
	}
	email := sql.NullString{String: pref.EmailContact, Valid: pref.EmailContact != ""}
	phone := sql.NullString{String: pref.PhoneContact, Valid: pref.PhoneContact != ""}

	_, err = sdb.Insert("notification_preference").
		Columns("id", "route_id", "email_contact", "phone_contact", "created_at", "deleted_at").
		Values(pref.ID, pref.RouteID, email, phone, pref.CreatedAt, pref.DeletedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET email_contact = ?, phone_contact = ?", email, phone).
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("UpdatePreference: %w", err)
	}
	return tx.Commit()
}

// Delete soft-deletes the preference
func (pref *NotificationPreference) Delete(node sqalx.Node) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := Now()
	_, err = sdb.Update("notification_preference").
		Set("deleted_at", now).
		Where(sq.Eq{"id": pref.ID}).
		Where("deleted_at IS NULL").
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("DeletePreference: %w", err)
	}
	pref.DeletedAt = pq.NullTime{Time: now, Valid: true}
	return tx.Commit()
}
