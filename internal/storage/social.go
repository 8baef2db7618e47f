package storage

import (
	"context"
	"database/sql"
	"time"
)

func (d *DB) ListContacts(ctx context.Context, userID string) ([]Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id, peer_id, name, added_at FROM contacts WHERE user_id = ? ORDER BY added_at, peer_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.UserID, &c.PeerID, &c.Name, &c.AddedAt); err != nil {
			return nil, err
		}
		c.ID = contactID(c.UserID, c.PeerID)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) AddContact(ctx context.Context, userID, peerID, name string, now time.Time) (Contact, error) {
	if name == "" {
		name = peerID
	}
	c := Contact{ID: contactID(userID, peerID), UserID: userID, PeerID: peerID, Name: name, AddedAt: now.UnixMilli()}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, upsertContact, c.UserID, c.PeerID, c.Name, c.AddedAt)
	if err != nil {
		return Contact{}, err
	}
	return c, nil
}

const upsertContact = `
	INSERT INTO contacts (user_id, peer_id, name, added_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, peer_id) DO UPDATE SET
		name     = excluded.name,
		added_at = excluded.added_at`

func (d *DB) RemoveContact(ctx context.Context, userID, peerID string) error {
	n, err := d.execCount(ctx, `DELETE FROM contacts WHERE user_id = ? AND peer_id = ?`, userID, peerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) CreateContactRequest(ctx context.Context, from, to string, now time.Time) (ContactRequest, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var existing ContactRequest
	err := d.db.QueryRowContext(ctx, `
		SELECT id, from_user, to_user, status, ts, expires_at FROM contact_requests
		WHERE from_user = ? AND to_user = ? AND status = ? AND expires_at > ?
		LIMIT 1`, from, to, RequestPending, now.UnixMilli()).
		Scan(&existing.ID, &existing.From, &existing.To, &existing.Status, &existing.Timestamp, &existing.ExpiresAt)
	if err == nil {
		return existing, true, nil
	}
	if err != sql.ErrNoRows {
		return ContactRequest{}, false, err
	}

	req := ContactRequest{
		ID:        newID(),
		From:      from,
		To:        to,
		Status:    RequestPending,
		Timestamp: now.UnixMilli(),
		ExpiresAt: now.Add(ContactRequestTTL).UnixMilli(),
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO contact_requests (id, from_user, to_user, status, ts, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		req.ID, req.From, req.To, req.Status, req.Timestamp, req.ExpiresAt)
	if err != nil {
		return ContactRequest{}, false, err
	}
	return req, false, nil
}

func (d *DB) PendingContactRequests(ctx context.Context, userID string, now time.Time) ([]ContactRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, from_user, to_user, status, ts, expires_at FROM contact_requests
		WHERE to_user = ? AND status = ? AND expires_at > ?
		ORDER BY ts`, userID, RequestPending, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContactRequest
	for rows.Next() {
		var r ContactRequest
		if err := rows.Scan(&r.ID, &r.From, &r.To, &r.Status, &r.Timestamp, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) RespondContactRequest(ctx context.Context, userID, requestID string, approve bool, now time.Time) (ContactRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return ContactRequest{}, err
	}
	defer tx.Rollback()

	var r ContactRequest
	err = tx.QueryRowContext(ctx,
		`SELECT id, from_user, to_user, status, ts, expires_at FROM contact_requests WHERE id = ?`, requestID).
		Scan(&r.ID, &r.From, &r.To, &r.Status, &r.Timestamp, &r.ExpiresAt)
	if err == sql.ErrNoRows {
		return ContactRequest{}, ErrNotFound
	}
	if err != nil {
		return ContactRequest{}, err
	}
	if r.To != userID {
		return ContactRequest{}, ErrForbidden
	}

	r.Status = RequestRejected
	if approve {
		r.Status = RequestApproved
		ms := now.UnixMilli()
		if _, err := tx.ExecContext(ctx, upsertContact, r.To, r.From, r.From, ms); err != nil {
			return ContactRequest{}, err
		}
		if _, err := tx.ExecContext(ctx, upsertContact, r.From, r.To, r.To, ms); err != nil {
			return ContactRequest{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notifications (from_user, to_user, message, ts) VALUES (?, ?, ?, ?)`,
			userID, r.From, ApprovedNotice, ms); err != nil {
			return ContactRequest{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM contact_requests WHERE id = ?`, requestID); err != nil {
		return ContactRequest{}, err
	}
	return r, tx.Commit()
}

func (d *DB) ClearContactRequests(ctx context.Context, userID string) (int, error) {
	return d.execCount(ctx, `DELETE FROM contact_requests WHERE to_user = ?`, userID)
}

func (d *DB) AddNotification(ctx context.Context, n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO notifications (from_user, to_user, message, ts) VALUES (?, ?, ?, ?)`,
		n.From, n.To, n.Message, n.Timestamp)
	return err
}

// TakeNotifications returns and removes userID's notifications, newest first.
func (d *DB) TakeNotifications(ctx context.Context, userID string) ([]Notification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, from_user, to_user, message, ts FROM notifications WHERE to_user = ? ORDER BY seq DESC`, userID)
	if err != nil {
		return nil, err
	}
	var (
		out    []Notification
		maxSeq int64
	)
	for rows.Next() {
		var (
			n   Notification
			seq int64
		)
		if err := rows.Scan(&seq, &n.From, &n.To, &n.Message, &n.Timestamp); err != nil {
			rows.Close()
			return nil, err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE to_user = ? AND seq <= ?`, userID, maxSeq); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

func (d *DB) PruneNotifications(ctx context.Context, before int64) (int, error) {
	return d.execCount(ctx, `DELETE FROM notifications WHERE ts < ?`, before)
}
