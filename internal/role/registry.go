package role

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/errs"
	"sentra.dev/internal/ids"
)

// Registry manages roles and subject-role assignment against PostgreSQL.
type Registry struct {
	db     *sql.DB
	events audit.Recorder
}

func NewRegistry(db *sql.DB, events audit.Recorder) *Registry {
	return &Registry{db: db, events: events}
}

const roleColumns = `id, name, coalesce(description,''), is_active, created_at, updated_at`

// Create adds a role. Names are case-normalized and unique.
func (r *Registry) Create(ctx context.Context, name, description string, active bool) (*Role, error) {
	name = Normalize(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", errs.ErrValidation)
	}
	role := &Role{ID: ids.New(), Name: name, Description: description, IsActive: active}
	_, err := r.db.ExecContext(ctx, `
		insert into roles(id, name, description, is_active)
		values ($1, $2, nullif($3,''), $4)
	`, role.ID, role.Name, role.Description, role.IsActive)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: role %q already exists", errs.ErrConflict, name)
	}
	if err != nil {
		return nil, err
	}
	return role, nil
}

// Update applies a partial patch. Renames check for conflicts.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*Role, error) {
	role, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		name := Normalize(*patch.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name is required", errs.ErrValidation)
		}
		role.Name = name
	}
	if patch.Description != nil {
		role.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.IsActive != nil {
		role.IsActive = *patch.IsActive
	}
	_, err = r.db.ExecContext(ctx, `
		update roles set name=$2, description=nullif($3,''), is_active=$4, updated_at=now() where id=$1
	`, role.ID, role.Name, role.Description, role.IsActive)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: role %q already exists", errs.ErrConflict, role.Name)
	}
	if err != nil {
		return nil, err
	}
	return role, nil
}

// Delete removes a role. System-reserved roles and roles still assigned to
// at least one subject are refused.
func (r *Registry) Delete(ctx context.Context, id string) error {
	role, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if Reserved(role.Name) {
		return fmt.Errorf("%w: cannot delete system role %q", errs.ErrValidation, role.Name)
	}
	var assigned int
	if err := r.db.QueryRowContext(ctx,
		`select count(*) from user_roles where role_id = $1`, id).Scan(&assigned); err != nil {
		return err
	}
	if assigned > 0 {
		return fmt.Errorf("%w: role %q is assigned to %d subject(s)", errs.ErrValidation, role.Name, assigned)
	}
	_, err = r.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	return err
}

// List returns all roles, oldest first.
func (r *Registry) List(ctx context.Context) ([]*Role, error) {
	rows, err := r.db.QueryContext(ctx,
		`select `+roleColumns+` from roles order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

// FindByID returns a single role.
func (r *Registry) FindByID(ctx context.Context, id string) (*Role, error) {
	row := r.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where id = $1`, id)
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: role %q", errs.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// Assign grants the named roles to a subject. Unknown names fail listing the
// missing ones; roles already held are skipped. One audit event is emitted
// when anything changed.
func (r *Registry) Assign(ctx context.Context, subjectID string, roleNames []string, operatorID string, meta audit.RequestMeta) error {
	names := NormalizeAll(roleNames)
	if len(names) == 0 {
		return fmt.Errorf("%w: at least one role name is required", errs.ErrValidation)
	}

	resolved, err := r.resolveNames(ctx, names)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := subjectExists(ctx, tx, subjectID); err != nil {
		return err
	}

	var added []string
	for _, name := range names {
		res, err := tx.ExecContext(ctx, `
			insert into user_roles(user_id, role_id) values ($1, $2)
			on conflict (user_id, role_id) do nothing
		`, subjectID, resolved[name])
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added = append(added, name)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if len(added) > 0 {
		r.events.Record(ctx, audit.Event{
			SubjectID: operatorID,
			Type:      audit.EventRoleAssigned,
			Target:    subjectID,
			Meta:      meta,
			Metadata:  map[string]any{"roles": added},
			Success:   true,
		})
	}
	return nil
}

// Remove revokes the named roles from a subject. The removal is refused when
// it would leave the subject with zero roles; the remaining-set check runs
// against locked assignment rows, not a stale read.
func (r *Registry) Remove(ctx context.Context, subjectID string, roleNames []string, operatorID string, meta audit.RequestMeta) error {
	names := NormalizeAll(roleNames)
	if len(names) == 0 {
		return fmt.Errorf("%w: at least one role name is required", errs.ErrValidation)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		select r.id, r.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		for update of ur
	`, subjectID)
	if err != nil {
		return err
	}
	held := map[string]string{}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return err
		}
		held[name] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(held) == 0 {
		return fmt.Errorf("%w: subject %q", errs.ErrNotFound, subjectID)
	}

	removeSet := map[string]struct{}{}
	var removed []string
	for _, name := range names {
		if _, ok := held[name]; ok {
			removeSet[name] = struct{}{}
			removed = append(removed, name)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if len(held)-len(removeSet) == 0 {
		return fmt.Errorf("%w: subject must retain at least one role", errs.ErrValidation)
	}

	for _, name := range removed {
		if _, err := tx.ExecContext(ctx,
			`delete from user_roles where user_id = $1 and role_id = $2`, subjectID, held[name]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	r.events.Record(ctx, audit.Event{
		SubjectID: operatorID,
		Type:      audit.EventRoleRemoved,
		Target:    subjectID,
		Meta:      meta,
		Metadata:  map[string]any{"roles": removed},
		Success:   true,
	})
	return nil
}

// RoleNamesFor lists the subject's role names, oldest assignment first.
func (r *Registry) RoleNamesFor(ctx context.Context, subjectID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		select r.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by ur.created_at asc
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// HasAnyRole reports whether the subject holds at least one of the names.
func (r *Registry) HasAnyRole(ctx context.Context, subjectID string, names []string) (bool, error) {
	held, err := r.RoleNamesFor(ctx, subjectID)
	if err != nil {
		return false, err
	}
	want := map[string]struct{}{}
	for _, n := range NormalizeAll(names) {
		want[n] = struct{}{}
	}
	for _, h := range held {
		if _, ok := want[h]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Statistics returns per-role subject counts.
func (r *Registry) Statistics(ctx context.Context) ([]Count, error) {
	rows, err := r.db.QueryContext(ctx, `
		select `+prefixedRoleColumns+`, count(ur.user_id) as subjects
		from roles r
		left join user_roles ur on ur.role_id = r.id
		group by r.id, r.name, r.description, r.is_active, r.created_at, r.updated_at
		order by r.created_at asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Count
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Role.ID, &c.Role.Name, &c.Role.Description, &c.Role.IsActive,
			&c.Role.CreatedAt, &c.Role.UpdatedAt, &c.Subjects); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

const prefixedRoleColumns = `r.id, r.name, coalesce(r.description,''), r.is_active, r.created_at, r.updated_at`

func (r *Registry) resolveNames(ctx context.Context, names []string) (map[string]string, error) {
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = n
	}
	rows, err := r.db.QueryContext(ctx,
		`select id, name from roles where name in (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resolved := map[string]string{}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		resolved[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, n := range names {
		if _, ok := resolved[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: roles not found: %s", errs.ErrNotFound, strings.Join(missing, ", "))
	}
	return resolved, nil
}

func scanRoles(rows *sql.Rows) ([]*Role, error) {
	var roles []*Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

func subjectExists(ctx context.Context, tx *sql.Tx, subjectID string) error {
	var one int
	err := tx.QueryRowContext(ctx,
		`select 1 from users where id = $1 and deleted_at is null`, subjectID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: subject %q", errs.ErrNotFound, subjectID)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
