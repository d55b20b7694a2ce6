package token

import (
	"context"
	"database/sql"
	"fmt"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/errs"
	"sentra.dev/internal/ids"
	"sentra.dev/internal/obs"
)

const recordColumns = `id, subject_id, token_hash, coalesce(device_id,''), coalesce(ip_address,''),
	coalesce(user_agent,''), is_active, expires_at, last_used_at, created_at`

// Issue mints a fresh refresh credential for the subject and returns the
// plaintext secret. The secret is not recoverable afterwards.
func (l *Ledger) Issue(ctx context.Context, subjectID, deviceID string, meta audit.RequestMeta) (string, error) {
	secret, hash, err := newSecret()
	if err != nil {
		return "", err
	}
	id := ids.New()
	expires := l.now().Add(l.ttl)

	_, err = l.db.ExecContext(ctx, `
		insert into refresh_tokens(id, subject_id, token_hash, device_id, ip_address, user_agent, is_active, expires_at)
		values ($1, $2, $3, nullif($4,''), nullif($5,''), nullif($6,''), true, $7)
	`, id, subjectID, hash, deviceID, meta.IP, meta.UserAgent, expires)
	if err != nil {
		return "", err
	}

	l.events.Record(ctx, audit.Event{
		SubjectID: subjectID,
		Type:      audit.EventRefreshTokenUsed,
		Meta:      withDevice(meta, deviceID),
		Metadata:  map[string]any{"action": "issue"},
		Success:   true,
	})
	return secret, nil
}

// Rotate exchanges a presented secret for a fresh one. The deactivation of
// the matched record and the creation of its successor commit as one unit of
// work, so a rotated secret can never be replayed after its successor exists.
// At most one concurrent rotation of the same secret succeeds; the rest see
// the record as already inactive. Returns the successor secret and the
// owning subject id.
func (l *Ledger) Rotate(ctx context.Context, presented, deviceID string, meta audit.RequestMeta) (string, string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = tx.Rollback() }()

	var rec Record
	var storedDevice sql.NullString
	err = tx.QueryRowContext(ctx, `
		update refresh_tokens
		set is_active = false, last_used_at = now()
		where token_hash = $1 and is_active and expires_at > now()
		returning id, subject_id, device_id
	`, hashSecret(presented)).Scan(&rec.ID, &rec.SubjectID, &storedDevice)
	if err == sql.ErrNoRows {
		l.rotateFailed(ctx, "", deviceID, meta, "no active credential matched")
		return "", "", fmt.Errorf("%w: invalid refresh token", errs.ErrAuthentication)
	}
	if err != nil {
		return "", "", err
	}
	rec.DeviceID = storedDevice.String

	if deviceID != "" && rec.DeviceID != "" && rec.DeviceID != deviceID {
		// Rollback keeps the matched record active; a mismatched device
		// must not burn the chain.
		l.rotateFailed(ctx, rec.SubjectID, deviceID, meta, "device mismatch")
		return "", "", fmt.Errorf("%w: device mismatch", errs.ErrAuthentication)
	}

	successorDevice := deviceID
	if successorDevice == "" {
		successorDevice = rec.DeviceID
	}

	secret, hash, err := newSecret()
	if err != nil {
		return "", "", err
	}
	_, err = tx.ExecContext(ctx, `
		insert into refresh_tokens(id, subject_id, token_hash, device_id, ip_address, user_agent, is_active, expires_at)
		values ($1, $2, $3, nullif($4,''), nullif($5,''), nullif($6,''), true, $7)
	`, ids.New(), rec.SubjectID, hash, successorDevice, meta.IP, meta.UserAgent, l.now().Add(l.ttl))
	if err != nil {
		return "", "", err
	}

	if err := tx.Commit(); err != nil {
		return "", "", err
	}

	obs.TokenRotationsTotal.WithLabelValues("success").Inc()
	l.events.Record(ctx, audit.Event{
		SubjectID: rec.SubjectID,
		Type:      audit.EventRefreshTokenUsed,
		Meta:      withDevice(meta, successorDevice),
		Metadata:  map[string]any{"action": "rotate", "predecessor": rec.ID},
		Success:   true,
	})
	return secret, rec.SubjectID, nil
}

func (l *Ledger) rotateFailed(ctx context.Context, subjectID, deviceID string, meta audit.RequestMeta, reason string) {
	obs.TokenRotationsTotal.WithLabelValues("failure").Inc()
	l.events.Record(ctx, audit.Event{
		SubjectID:    subjectID,
		Type:         audit.EventRefreshTokenUsed,
		Meta:         withDevice(meta, deviceID),
		Success:      false,
		ErrorMessage: reason,
	})
}

// Revoke marks a single record inactive.
func (l *Ledger) Revoke(ctx context.Context, recordID string) error {
	var subjectID string
	err := l.db.QueryRowContext(ctx, `
		update refresh_tokens set is_active = false
		where id = $1 and is_active
		returning subject_id
	`, recordID).Scan(&subjectID)
	if err == sql.ErrNoRows {
		return errs.ErrNotFound
	}
	if err != nil {
		return err
	}
	l.events.Record(ctx, audit.Event{
		SubjectID: subjectID,
		Type:      audit.EventRefreshTokenRevoked,
		Metadata:  map[string]any{"reason": "manual_revoke", "record": recordID},
		Success:   true,
	})
	return nil
}

// RevokeAllForSubject deactivates every active record of a subject.
func (l *Ledger) RevokeAllForSubject(ctx context.Context, subjectID string) error {
	_, err := l.db.ExecContext(ctx,
		`update refresh_tokens set is_active = false where subject_id = $1 and is_active`, subjectID)
	if err != nil {
		return err
	}
	l.events.Record(ctx, audit.Event{
		SubjectID: subjectID,
		Type:      audit.EventRefreshTokenRevoked,
		Metadata:  map[string]any{"reason": "revoke_all"},
		Success:   true,
	})
	return nil
}

// RevokeForDevice deactivates the subject's active records bound to a device.
func (l *Ledger) RevokeForDevice(ctx context.Context, subjectID, deviceID string) error {
	_, err := l.db.ExecContext(ctx,
		`update refresh_tokens set is_active = false where subject_id = $1 and device_id = $2 and is_active`,
		subjectID, deviceID)
	if err != nil {
		return err
	}
	l.events.Record(ctx, audit.Event{
		SubjectID: subjectID,
		Type:      audit.EventRefreshTokenRevoked,
		Meta:      audit.RequestMeta{DeviceID: deviceID},
		Metadata:  map[string]any{"reason": "revoke_device"},
		Success:   true,
	})
	return nil
}

// ListActiveSessions returns the subject's active, unexpired records ordered
// by most recent use.
func (l *Ledger) ListActiveSessions(ctx context.Context, subjectID string) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		select `+recordColumns+`
		from refresh_tokens
		where subject_id = $1 and is_active and expires_at > now()
		order by last_used_at desc nulls last, created_at desc
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &rec.TokenHash, &rec.DeviceID, &rec.IP,
			&rec.UserAgent, &rec.IsActive, &rec.ExpiresAt, &rec.LastUsedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, &rec)
	}
	return res, rows.Err()
}

// SweepExpired deletes records past expiry regardless of active flag and
// returns how many rows were removed.
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `delete from refresh_tokens where expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func withDevice(meta audit.RequestMeta, deviceID string) audit.RequestMeta {
	if deviceID != "" {
		meta.DeviceID = deviceID
	}
	return meta
}
