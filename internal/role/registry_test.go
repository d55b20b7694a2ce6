package role

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/errs"
)

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock, *audit.MemoryRecorder) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	rec := &audit.MemoryRecorder{}
	return NewRegistry(db, rec), mock, rec
}

func roleRow(id, name string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "name", "description", "is_active", "created_at", "updated_at"}).
		AddRow(id, name, "", true, now, now)
}

func TestNormalizeAll(t *testing.T) {
	got := NormalizeAll([]string{" admin ", "User", "ADMIN", "", "user"})
	want := []string{"ADMIN", "USER"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("NormalizeAll = %v, want %v", got, want)
	}
}

func TestCreateNormalizesName(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	mock.ExpectExec("insert into roles").
		WithArgs(sqlmock.AnyArg(), "EDITOR", "", true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	role, err := reg.Create(context.Background(), " editor ", "", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if role.Name != "EDITOR" {
		t.Fatalf("name not normalized: %q", role.Name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteRefusesSystemRole(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	mock.ExpectQuery("select .* from roles where id").
		WithArgs("r-admin").
		WillReturnRows(roleRow("r-admin", "ADMIN"))

	err := reg.Delete(context.Background(), "r-admin")
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDeleteRefusesAssignedRole(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	mock.ExpectQuery("select .* from roles where id").
		WithArgs("r-1").
		WillReturnRows(roleRow("r-1", "EDITOR"))
	mock.ExpectQuery("select count").
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	err := reg.Delete(context.Background(), "r-1")
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAssignUnknownRoleListsMissing(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	mock.ExpectQuery("select id, name from roles where name in").
		WithArgs("USER", "GHOST").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("r-user", "USER"))

	err := reg.Assign(context.Background(), "subj-1", []string{"user", "ghost"}, "op-1", audit.RequestMeta{})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "GHOST") {
		t.Fatalf("expected missing name in error, got %q", err)
	}
}

func TestAssignIdempotent(t *testing.T) {
	reg, mock, rec := newTestRegistry(t)

	mock.ExpectQuery("select id, name from roles where name in").
		WithArgs("USER").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("r-user", "USER"))
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from users").
		WithArgs("subj-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	// Role already held: on conflict do nothing touches no row.
	mock.ExpectExec("insert into user_roles").
		WithArgs("subj-1", "r-user").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := reg.Assign(context.Background(), "subj-1", []string{"USER"}, "op-1", audit.RequestMeta{}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(rec.Events) != 0 {
		t.Fatalf("expected no audit event for no-op assign, got %+v", rec.Events)
	}
}

func TestAssignNewRoleAudits(t *testing.T) {
	reg, mock, rec := newTestRegistry(t)

	mock.ExpectQuery("select id, name from roles where name in").
		WithArgs("EDITOR").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("r-ed", "EDITOR"))
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from users").
		WithArgs("subj-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec("insert into user_roles").
		WithArgs("subj-1", "r-ed").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := reg.Assign(context.Background(), "subj-1", []string{"editor"}, "op-1", audit.RequestMeta{}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	ev := rec.Last()
	if ev.Type != audit.EventRoleAssigned || ev.Target != "subj-1" || ev.SubjectID != "op-1" {
		t.Fatalf("unexpected audit event: %+v", ev)
	}
}

func heldRolesRows(pairs ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "name"})
	for i := 0; i+1 < len(pairs); i += 2 {
		rows.AddRow(pairs[i], pairs[i+1])
	}
	return rows
}

func TestRemoveAllRolesFails(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select r.id, r.name").
		WithArgs("subj-1").
		WillReturnRows(heldRolesRows("r-user", "USER", "r-ed", "EDITOR"))
	mock.ExpectRollback()

	err := reg.Remove(context.Background(), "subj-1", []string{"user", "editor"}, "op-1", audit.RequestMeta{})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRemoveSubsetSucceeds(t *testing.T) {
	reg, mock, rec := newTestRegistry(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select r.id, r.name").
		WithArgs("subj-1").
		WillReturnRows(heldRolesRows("r-user", "USER", "r-ed", "EDITOR"))
	mock.ExpectExec("delete from user_roles").
		WithArgs("subj-1", "r-ed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := reg.Remove(context.Background(), "subj-1", []string{"editor"}, "op-1", audit.RequestMeta{}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ev := rec.Last()
	if ev.Type != audit.EventRoleRemoved {
		t.Fatalf("unexpected audit event: %+v", ev)
	}
}

func TestHasAnyRole(t *testing.T) {
	reg, mock, _ := newTestRegistry(t)

	mock.ExpectQuery("select r.name").
		WithArgs("subj-1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("USER"))

	ok, err := reg.HasAnyRole(context.Background(), "subj-1", []string{"admin", "user"})
	if err != nil {
		t.Fatalf("HasAnyRole: %v", err)
	}
	if !ok {
		t.Fatal("expected role match")
	}
}
