package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/challenge"
	"sentra.dev/internal/errs"
	"sentra.dev/internal/notify"
	"sentra.dev/internal/token"
	"sentra.dev/internal/user"
)

type memUserStore struct {
	users  map[string]*user.User
	nextID int
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: map[string]*user.User{}}
}

func (s *memUserStore) Create(_ context.Context, u *user.User) error {
	for _, existing := range s.users {
		if (u.Email != "" && existing.Email == u.Email) ||
			(u.Phone != "" && existing.Phone == u.Phone) ||
			existing.Username == u.Username {
			return fmt.Errorf("%w: user already exists", errs.ErrConflict)
		}
	}
	s.nextID++
	u.ID = fmt.Sprintf("user-%d", s.nextID)
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memUserStore) FindByID(_ context.Context, id string) (*user.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUserStore) FindByUsername(_ context.Context, username string) (*user.User, error) {
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *memUserStore) FindByIdentifier(_ context.Context, email, phone string) (*user.User, error) {
	for _, u := range s.users {
		if (email != "" && u.Email == email) || (phone != "" && u.Phone == phone) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *memUserStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	u, ok := s.users[userID]
	if !ok {
		return errs.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (s *memUserStore) SetActive(_ context.Context, userID string, active bool) error {
	u, ok := s.users[userID]
	if !ok {
		return errs.ErrNotFound
	}
	u.IsActive = active
	return nil
}

func (s *memUserStore) SoftDelete(_ context.Context, userID string) error {
	return s.SetActive(context.Background(), userID, false)
}

type memRoles struct {
	assigned map[string][]string
}

func newMemRoles() *memRoles {
	return &memRoles{assigned: map[string][]string{}}
}

func (r *memRoles) RoleNamesFor(_ context.Context, subjectID string) ([]string, error) {
	return r.assigned[subjectID], nil
}

func (r *memRoles) Assign(_ context.Context, subjectID string, roleNames []string, _ string, _ audit.RequestMeta) error {
	r.assigned[subjectID] = append(r.assigned[subjectID], roleNames...)
	return nil
}

type allowLimiter struct{}

func (allowLimiter) Reserve(context.Context, string, string) error { return nil }

type testEnv struct {
	orch  *Orchestrator
	users *memUserStore
	roles *memRoles
	mock  sqlmock.Sqlmock
	rec   *audit.MemoryRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	users := newMemUserStore()
	roles := newMemRoles()
	rec := &audit.MemoryRecorder{}
	ledger := token.NewLedger(db, rec)
	challenges := challenge.NewService(db, allowLimiter{}, rec, notify.LogDispatcher{})
	signer := testSigner(t)

	return &testEnv{
		orch:  NewOrchestrator(users, ledger, challenges, roles, signer, rec),
		users: users,
		roles: roles,
		mock:  mock,
		rec:   rec,
	}
}

func (e *testEnv) expectIssue() {
	e.mock.ExpectExec("insert into refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func hasEvent(rec *audit.MemoryRecorder, typ audit.EventType, success bool) bool {
	for _, ev := range rec.Events {
		if ev.Type == typ && ev.Success == success {
			return true
		}
	}
	return false
}

func TestRegisterGrantsDefaultRoleAndOpensSession(t *testing.T) {
	e := newTestEnv(t)
	e.expectIssue()

	pair, err := e.orch.Register(context.Background(), RegisterInput{
		Email:    "Alice@Example.com",
		Username: "alice",
		Password: "s3cret-pass",
	}, audit.RequestMeta{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	if pair.User.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", pair.User.Email)
	}
	if got := e.roles.assigned[pair.User.ID]; len(got) != 1 || got[0] != DefaultRole {
		t.Fatalf("expected default role grant, got %v", got)
	}
	if !hasEvent(e.rec, audit.EventRegisterSuccess, true) {
		t.Fatalf("expected register_success audit, got %+v", e.rec.Events)
	}

	claims, err := e.orch.VerifySession(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifySession: %v", err)
	}
	if claims.Subject != pair.User.ID {
		t.Fatalf("claims subject %q, want %q", claims.Subject, pair.User.ID)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "USER" {
		t.Fatalf("expected USER snapshot, got %v", claims.Roles)
	}
}

func TestRegisterRequiresIdentifier(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.orch.Register(context.Background(), RegisterInput{
		Username: "alice",
		Password: "s3cret-pass",
	}, audit.RequestMeta{})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if !hasEvent(e.rec, audit.EventRegisterFailed, false) {
		t.Fatal("expected register_failed audit")
	}
}

func TestRegisterDuplicateIdentifierConflicts(t *testing.T) {
	e := newTestEnv(t)
	e.expectIssue()

	in := RegisterInput{Email: "alice@example.com", Username: "alice", Password: "s3cret-pass"}
	if _, err := e.orch.Register(context.Background(), in, audit.RequestMeta{}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, err := e.orch.Register(context.Background(), in, audit.RequestMeta{})
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRegisterThenLoginByPassword(t *testing.T) {
	e := newTestEnv(t)
	e.expectIssue()
	e.expectIssue()

	_, err := e.orch.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "s3cret-pass",
	}, audit.RequestMeta{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	pair, err := e.orch.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "s3cret-pass",
	}, audit.RequestMeta{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" {
		t.Fatal("expected session token")
	}
	if !hasEvent(e.rec, audit.EventLoginSuccess, true) {
		t.Fatal("expected login_success audit")
	}
}

func TestLoginWrongPasswordIsGeneric(t *testing.T) {
	e := newTestEnv(t)
	e.expectIssue()

	_, err := e.orch.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "s3cret-pass",
	}, audit.RequestMeta{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = e.orch.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "wrong-pass",
	}, audit.RequestMeta{})
	if !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	wrongPassMsg := err.Error()

	_, err = e.orch.Login(context.Background(), LoginInput{
		Email:    "nobody@example.com",
		Password: "s3cret-pass",
	}, audit.RequestMeta{})
	if !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if err.Error() != wrongPassMsg {
		t.Fatalf("unknown-user and wrong-password messages must match: %q vs %q", err.Error(), wrongPassMsg)
	}
	if strings.Contains(wrongPassMsg, "password") || strings.Contains(wrongPassMsg, "not found") {
		t.Fatalf("message leaks failure cause: %q", wrongPassMsg)
	}
	if !hasEvent(e.rec, audit.EventLoginFailed, false) {
		t.Fatal("expected login_failed audit")
	}
}

func TestLoginRequiresExactlyOneCredential(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.orch.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "pass",
		Code:     "123456",
	}, audit.RequestMeta{})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation for both credentials, got %v", err)
	}

	_, err = e.orch.Login(context.Background(), LoginInput{Email: "alice@example.com"}, audit.RequestMeta{})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation for no credential, got %v", err)
	}

	_, err = e.orch.Login(context.Background(), LoginInput{
		Email: "alice@example.com",
		Code:  "123456",
	}, audit.RequestMeta{})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation for code login without phone, got %v", err)
	}
}

func TestLoginInactiveUserRejected(t *testing.T) {
	e := newTestEnv(t)
	e.expectIssue()

	pair, err := e.orch.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "s3cret-pass",
	}, audit.RequestMeta{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := e.users.SetActive(context.Background(), pair.User.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	_, err = e.orch.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "s3cret-pass",
	}, audit.RequestMeta{})
	if !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestRefreshRederivesRoles(t *testing.T) {
	e := newTestEnv(t)
	e.expectIssue()

	pair, err := e.orch.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "s3cret-pass",
	}, audit.RequestMeta{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Role set changes after the session token was minted.
	e.roles.assigned[pair.User.ID] = []string{"USER", "AUDITOR"}

	e.mock.ExpectBegin()
	e.mock.ExpectQuery("update refresh_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "device_id"}).
			AddRow("rec-1", pair.User.ID, ""))
	e.mock.ExpectExec("insert into refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	e.mock.ExpectCommit()

	next, err := e.orch.Refresh(context.Background(), pair.RefreshToken, "", audit.RequestMeta{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("expected rotated refresh secret")
	}
	claims, err := e.orch.VerifySession(next.AccessToken)
	if err != nil {
		t.Fatalf("VerifySession: %v", err)
	}
	if len(claims.Roles) != 2 || claims.Roles[1] != "AUDITOR" {
		t.Fatalf("expected refreshed role snapshot, got %v", claims.Roles)
	}
}

func TestChangePasswordWrongCurrentKeepsSessions(t *testing.T) {
	e := newTestEnv(t)
	e.expectIssue()

	pair, err := e.orch.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "s3cret-pass",
	}, audit.RequestMeta{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// No revoke statement is expected on the mock: sessions must survive.
	err = e.orch.ChangePassword(context.Background(), pair.User.ID, "wrong-pass", "new-pass", audit.RequestMeta{})
	if !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if !hasEvent(e.rec, audit.EventPasswordChange, false) {
		t.Fatal("expected failed password_change audit")
	}
	if err := e.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected ledger activity: %v", err)
	}
}

func TestChangePasswordRevokesAllSessions(t *testing.T) {
	e := newTestEnv(t)
	e.expectIssue()

	pair, err := e.orch.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "s3cret-pass",
	}, audit.RequestMeta{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	e.mock.ExpectExec("update refresh_tokens set is_active = false where subject_id").
		WithArgs(pair.User.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = e.orch.ChangePassword(context.Background(), pair.User.ID, "s3cret-pass", "new-pass-42", audit.RequestMeta{})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if !hasEvent(e.rec, audit.EventPasswordChange, true) {
		t.Fatal("expected password_change audit")
	}
	if err := e.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected revoke-all, got: %v", err)
	}

	e.expectIssue()
	if _, err := e.orch.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "new-pass-42",
	}, audit.RequestMeta{}); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestLogoutScopesToDevice(t *testing.T) {
	e := newTestEnv(t)

	e.mock.ExpectExec("update refresh_tokens set is_active = false where subject_id = \\$1 and device_id").
		WithArgs("subj-1", "dev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := e.orch.Logout(context.Background(), "subj-1", "dev-1"); err != nil {
		t.Fatalf("Logout device: %v", err)
	}

	e.mock.ExpectExec("update refresh_tokens set is_active = false where subject_id").
		WithArgs("subj-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	if err := e.orch.Logout(context.Background(), "subj-1", ""); err != nil {
		t.Fatalf("Logout all: %v", err)
	}
	if err := e.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
