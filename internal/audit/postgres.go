package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Records are append-only; no
// update or delete paths exist.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, rec *Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs(id, subject_id, event_type, target, ip_address, user_agent, device_id, metadata, success, error_message, created_at)
		values ($1, nullif($2,''), $3, nullif($4,''), nullif($5,''), nullif($6,''), nullif($7,''), $8, $9, nullif($10,''), $11)
	`, rec.ID, rec.SubjectID, string(rec.Type), rec.Target, rec.IP, rec.UserAgent, rec.DeviceID,
		meta, rec.Success, rec.ErrorMessage, rec.CreatedAt)
	return err
}

const maxQueryLimit = 500

func (s *PGStore) Query(ctx context.Context, q Query) ([]*Record, error) {
	if q.Limit <= 0 || q.Limit > maxQueryLimit {
		q.Limit = 100
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.SubjectID != "" {
		where = append(where, "subject_id = "+arg(q.SubjectID))
	}
	if len(q.EventTypes) > 0 {
		placeholders := make([]string, 0, len(q.EventTypes))
		for _, et := range q.EventTypes {
			placeholders = append(placeholders, arg(string(et)))
		}
		where = append(where, "event_type in ("+strings.Join(placeholders, ",")+")")
	}
	if !q.From.IsZero() {
		where = append(where, "created_at >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "created_at <= "+arg(q.To))
	}

	query := `select id, coalesce(subject_id,''), event_type, coalesce(target,''), coalesce(ip_address,''),
		coalesce(user_agent,''), coalesce(device_id,''), metadata, success, coalesce(error_message,''), created_at
		from audit_logs`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by created_at desc limit " + arg(q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Record
	for rows.Next() {
		var (
			rec  Record
			et   string
			meta []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &et, &rec.Target, &rec.IP,
			&rec.UserAgent, &rec.DeviceID, &meta, &rec.Success, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Type = EventType(et)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &rec.Metadata)
		}
		res = append(res, &rec)
	}
	return res, rows.Err()
}

func (s *PGStore) Statistics(ctx context.Context, windowDays int) (*Statistics, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)

	stats := &Statistics{}
	err := s.db.QueryRowContext(ctx, `
		select
			count(*) filter (where event_type = $2),
			count(*) filter (where event_type = $3),
			count(*) filter (where event_type in ($4, $5))
		from audit_logs where created_at >= $1
	`, since, string(EventPermissionDenied), string(EventAccessGranted),
		string(EventRoleAssigned), string(EventRoleRemoved)).
		Scan(&stats.PermissionDeniedCount, &stats.AccessGrantedCount, &stats.RoleChangesCount)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select coalesce(target,''), count(*) as cnt
		from audit_logs
		where event_type = $2 and created_at >= $1
		group by target
		order by cnt desc
		limit 10
	`, since, string(EventPermissionDenied))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var tc TargetCount
		if err := rows.Scan(&tc.Target, &tc.Count); err != nil {
			return nil, err
		}
		stats.TopDeniedTargets = append(stats.TopDeniedTargets, tc)
	}
	return stats, rows.Err()
}
