// Package auth composes the identity primitives into the register, login,
// refresh, logout and password flows, and owns the signed session token.
// Failure messages returned to callers stay generic: they never reveal which
// field was wrong.
package auth

import (
	"context"
	"fmt"
	"time"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/challenge"
	"sentra.dev/internal/errs"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/token"
	"sentra.dev/internal/user"
)

// DefaultRole is granted to every new registration so the at-least-one-role
// invariant holds from the first moment.
const DefaultRole = "USER"

// RoleDirectory is the role lookup the orchestrator needs: current role
// names for a subject plus initial assignment at registration.
type RoleDirectory interface {
	RoleNamesFor(ctx context.Context, subjectID string) ([]string, error)
	Assign(ctx context.Context, subjectID string, roleNames []string, operatorID string, meta audit.RequestMeta) error
}

// Orchestrator wires users, tokens, challenges and roles into auth flows.
type Orchestrator struct {
	users      user.Store
	ledger     *token.Ledger
	challenges *challenge.Service
	roles      RoleDirectory
	signer     *TokenSigner
	events     audit.Recorder
}

func NewOrchestrator(users user.Store, ledger *token.Ledger, challenges *challenge.Service, roles RoleDirectory, signer *TokenSigner, events audit.Recorder) *Orchestrator {
	return &Orchestrator{
		users:      users,
		ledger:     ledger,
		challenges: challenges,
		roles:      roles,
		signer:     signer,
		events:     events,
	}
}

// TokenPair is the result of a successful register, login or refresh.
type TokenPair struct {
	AccessToken     string     `json:"access_token"`
	AccessExpiresAt time.Time  `json:"access_expires_at"`
	RefreshToken    string     `json:"refresh_token"`
	User            *user.User `json:"user"`
}

// RegisterInput carries a registration request. At least one of Email or
// Phone is required.
type RegisterInput struct {
	Email    string
	Phone    string
	Username string
	Password string
	Nickname string
	DeviceID string
}

// Register creates a credential, grants the default role and opens the first
// session.
func (o *Orchestrator) Register(ctx context.Context, in RegisterInput, meta audit.RequestMeta) (*TokenPair, error) {
	u, err := o.buildUser(in)
	if err != nil {
		o.registerFailed(ctx, firstNonEmpty(in.Email, in.Phone), meta, err)
		return nil, err
	}
	if err := o.users.Create(ctx, u); err != nil {
		o.registerFailed(ctx, firstNonEmpty(u.Email, u.Phone), meta, err)
		return nil, err
	}
	if err := o.roles.Assign(ctx, u.ID, []string{DefaultRole}, u.ID, meta); err != nil {
		return nil, err
	}

	o.events.Record(ctx, audit.Event{
		SubjectID: u.ID,
		Type:      audit.EventRegisterSuccess,
		Target:    firstNonEmpty(u.Email, u.Phone),
		Meta:      meta,
		Success:   true,
	})
	return o.openSession(ctx, u, in.DeviceID, meta)
}

func (o *Orchestrator) buildUser(in RegisterInput) (*user.User, error) {
	if in.Email == "" && in.Phone == "" {
		return nil, fmt.Errorf("%w: email or phone is required", errs.ErrValidation)
	}
	if in.Username == "" {
		return nil, fmt.Errorf("%w: username is required", errs.ErrValidation)
	}
	if in.Password == "" {
		return nil, fmt.Errorf("%w: password is required", errs.ErrValidation)
	}
	u := &user.User{Username: in.Username, Nickname: in.Nickname, IsActive: true}
	var err error
	if in.Email != "" {
		if u.Email, err = user.NormalizeEmail(in.Email); err != nil {
			return nil, err
		}
	}
	if in.Phone != "" {
		if u.Phone, err = user.NormalizePhone(in.Phone); err != nil {
			return nil, err
		}
	}
	if u.PasswordHash, err = user.HashPassword(in.Password); err != nil {
		return nil, err
	}
	return u, nil
}

// LoginInput carries a login request. Exactly one of Password or Code must
// be supplied; the code path requires Phone.
type LoginInput struct {
	Email    string
	Phone    string
	Password string
	Code     string
	DeviceID string
}

// Login authenticates by password or verification code and opens a session.
func (o *Orchestrator) Login(ctx context.Context, in LoginInput, meta audit.RequestMeta) (*TokenPair, error) {
	if in.Email == "" && in.Phone == "" {
		return nil, fmt.Errorf("%w: email or phone is required", errs.ErrValidation)
	}
	if (in.Password == "") == (in.Code == "") {
		return nil, fmt.Errorf("%w: exactly one of password or verification code is required", errs.ErrValidation)
	}
	if in.Code != "" && in.Phone == "" {
		return nil, fmt.Errorf("%w: phone is required for verification code login", errs.ErrValidation)
	}

	target := firstNonEmpty(in.Email, in.Phone)
	u, err := o.findByIdentifier(ctx, in.Email, in.Phone)
	if err != nil {
		o.loginFailed(ctx, "", target, meta, "user not found")
		return nil, invalidCredentials()
	}
	if !u.IsActive {
		o.loginFailed(ctx, u.ID, target, meta, "account disabled")
		return nil, invalidCredentials()
	}

	method := "password"
	if in.Password != "" {
		if user.VerifyPassword(u.PasswordHash, in.Password) != nil {
			o.loginFailed(ctx, u.ID, target, meta, "invalid password")
			return nil, invalidCredentials()
		}
	} else {
		method = "verification_code"
		if _, err := o.challenges.Verify(ctx, in.Phone, in.Code, challenge.PurposeLogin, meta); err != nil {
			o.loginFailed(ctx, u.ID, target, meta, "invalid verification code")
			return nil, invalidCredentials()
		}
	}

	obs.LoginsTotal.WithLabelValues("success").Inc()
	o.events.Record(ctx, audit.Event{
		SubjectID: u.ID,
		Type:      audit.EventLoginSuccess,
		Target:    target,
		Meta:      withDevice(meta, in.DeviceID),
		Metadata:  map[string]any{"login_method": method},
		Success:   true,
	})
	return o.openSession(ctx, u, in.DeviceID, meta)
}

// Refresh rotates the refresh secret and mints a new session token. Role
// names are re-derived from the registry here, which bounds the staleness of
// any embedded snapshot to one access TTL.
func (o *Orchestrator) Refresh(ctx context.Context, refreshToken, deviceID string, meta audit.RequestMeta) (*TokenPair, error) {
	newSecret, subjectID, err := o.ledger.Rotate(ctx, refreshToken, deviceID, meta)
	if err != nil {
		return nil, err
	}
	u, err := o.users.FindByID(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid refresh token", errs.ErrAuthentication)
	}
	if !u.IsActive {
		return nil, invalidCredentials()
	}
	roles, err := o.roles.RoleNamesFor(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	access, exp, err := o.signer.Sign(u, roles)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:     access,
		AccessExpiresAt: exp,
		RefreshToken:    newSecret,
		User:            u,
	}, nil
}

// Logout revokes the subject's sessions, either for one device or all.
func (o *Orchestrator) Logout(ctx context.Context, subjectID, deviceID string) error {
	if deviceID != "" {
		return o.ledger.RevokeForDevice(ctx, subjectID, deviceID)
	}
	return o.ledger.RevokeAllForSubject(ctx, subjectID)
}

// ChangePassword requires the correct current password and revokes every
// session on success.
func (o *Orchestrator) ChangePassword(ctx context.Context, subjectID, currentPassword, newPassword string, meta audit.RequestMeta) error {
	if newPassword == "" {
		return fmt.Errorf("%w: new password is required", errs.ErrValidation)
	}
	u, err := o.users.FindByID(ctx, subjectID)
	if err != nil {
		return invalidCredentials()
	}
	if user.VerifyPassword(u.PasswordHash, currentPassword) != nil {
		o.events.Record(ctx, audit.Event{
			SubjectID:    subjectID,
			Type:         audit.EventPasswordChange,
			Meta:         meta,
			Success:      false,
			ErrorMessage: "invalid current password",
		})
		return invalidCredentials()
	}

	hash, err := user.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := o.users.UpdatePassword(ctx, subjectID, hash); err != nil {
		return err
	}
	o.events.Record(ctx, audit.Event{
		SubjectID: subjectID,
		Type:      audit.EventPasswordChange,
		Meta:      meta,
		Success:   true,
	})
	return o.ledger.RevokeAllForSubject(ctx, subjectID)
}

// ResetPassword requires a successful challenge verification and revokes
// every session on success.
func (o *Orchestrator) ResetPassword(ctx context.Context, identifier, code, newPassword string, meta audit.RequestMeta) error {
	if newPassword == "" {
		return fmt.Errorf("%w: new password is required", errs.ErrValidation)
	}
	target, err := user.NormalizeTarget(identifier)
	if err != nil {
		return err
	}
	if _, err := o.challenges.Verify(ctx, target, code, challenge.PurposeResetPassword, meta); err != nil {
		return err
	}

	var u *user.User
	if user.IsEmail(target) {
		u, err = o.users.FindByIdentifier(ctx, target, "")
	} else {
		u, err = o.users.FindByIdentifier(ctx, "", target)
	}
	if err != nil {
		return invalidCredentials()
	}

	hash, err := user.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := o.users.UpdatePassword(ctx, u.ID, hash); err != nil {
		return err
	}
	o.events.Record(ctx, audit.Event{
		SubjectID: u.ID,
		Type:      audit.EventPasswordReset,
		Target:    target,
		Meta:      meta,
		Success:   true,
	})
	return o.ledger.RevokeAllForSubject(ctx, u.ID)
}

// SendVerificationCode issues a challenge for the identifier and purpose.
func (o *Orchestrator) SendVerificationCode(ctx context.Context, identifier string, purpose challenge.Purpose, meta audit.RequestMeta) error {
	return o.challenges.Send(ctx, identifier, purpose, meta)
}

// Sessions lists the subject's active refresh records.
func (o *Orchestrator) Sessions(ctx context.Context, subjectID string) ([]*token.Record, error) {
	return o.ledger.ListActiveSessions(ctx, subjectID)
}

// VerifySession validates a session token and returns its claims.
func (o *Orchestrator) VerifySession(token string) (*Claims, error) {
	return o.signer.Verify(token)
}

func (o *Orchestrator) openSession(ctx context.Context, u *user.User, deviceID string, meta audit.RequestMeta) (*TokenPair, error) {
	roles, err := o.roles.RoleNamesFor(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	access, exp, err := o.signer.Sign(u, roles)
	if err != nil {
		return nil, err
	}
	refresh, err := o.ledger.Issue(ctx, u.ID, deviceID, meta)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:     access,
		AccessExpiresAt: exp,
		RefreshToken:    refresh,
		User:            u,
	}, nil
}

func (o *Orchestrator) findByIdentifier(ctx context.Context, email, phone string) (*user.User, error) {
	var err error
	if email != "" {
		if email, err = user.NormalizeEmail(email); err != nil {
			return nil, err
		}
	}
	if phone != "" {
		if phone, err = user.NormalizePhone(phone); err != nil {
			return nil, err
		}
	}
	return o.users.FindByIdentifier(ctx, email, phone)
}

func (o *Orchestrator) registerFailed(ctx context.Context, target string, meta audit.RequestMeta, cause error) {
	o.events.Record(ctx, audit.Event{
		Type:         audit.EventRegisterFailed,
		Target:       target,
		Meta:         meta,
		Success:      false,
		ErrorMessage: cause.Error(),
	})
}

func (o *Orchestrator) loginFailed(ctx context.Context, subjectID, target string, meta audit.RequestMeta, reason string) {
	obs.LoginsTotal.WithLabelValues("failure").Inc()
	o.events.Record(ctx, audit.Event{
		SubjectID:    subjectID,
		Type:         audit.EventLoginFailed,
		Target:       target,
		Meta:         meta,
		Success:      false,
		ErrorMessage: reason,
	})
}

func invalidCredentials() error {
	return fmt.Errorf("%w: invalid credentials", errs.ErrAuthentication)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func withDevice(meta audit.RequestMeta, deviceID string) audit.RequestMeta {
	if deviceID != "" {
		meta.DeviceID = deviceID
	}
	return meta
}
