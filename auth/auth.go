// Package auth implements the auth engine, the core around which every
// other package in this module is wired. Every exported method here
// assumes the caller has already authenticated the request at
// the key boundary (key.Manager.Authenticate) and extracted the service
// context from the resulting key.Identity — this package only ever takes a
// serviceID, never re-derives one from a presented secret.
//
// Every operation follows the same shape: resolve identity, check a guard,
// mutate, emit one terminal audit record for the outcome. Some failure paths
// return without a terminal record: in UpdateEmail and UpdatePassword, a
// failure after the password check (loading the token key, minting the
// revoke token, storing the change, queuing the email) returns the error
// without one.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/audit"
	"github.com/ssocore/ssocore/csrf"
	"github.com/ssocore/ssocore/jwtcodec"
	"github.com/ssocore/ssocore/key"
	"github.com/ssocore/ssocore/notify"
	"github.com/ssocore/ssocore/oauth2provider"
	"github.com/ssocore/ssocore/servicestore"
	"github.com/ssocore/ssocore/userstore"
)

// TTLs bundles the three token lifetimes every minting operation needs;
// callers (the server layer) own the actual durations and pass the fixed
// values they were configured with (cmd/ssocore reads them from the config
// file).
type TTLs struct {
	Access  time.Duration
	Refresh time.Duration
	Revoke  time.Duration
}

// UserToken is the access/refresh pair minted by login, refresh and OAuth2
// login and returned to the caller.
type UserToken struct {
	UserID           string    `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	// PasswordMeta is only populated by Login — advisory metadata about the
	// password just used, for clients that want to nudge users toward a
	// stronger one without this package ever rejecting a login over it.
	PasswordMeta PasswordMeta `json:"password_meta,omitempty"`
}

// PasswordMeta is advisory, never a pass/fail gate: the actual
// strength/breach assessment is left unspecified, a pluggable oracle, so
// this package ships only the interface and a default that reports length
// and a length-only "reasonable" flag. A real deployment swaps in a provider backed by a
// breach-corpus lookup or an entropy estimator via Engine.SetPasswordMeta.
type PasswordMeta struct {
	Length     int  `json:"length"`
	Reasonable bool `json:"reasonable"`
}

// PasswordMetaProvider is the pluggable password-strength oracle.
type PasswordMetaProvider interface {
	Describe(password string) PasswordMeta
}

// UnknownPasswordMeta is the zero-effort default: it reports length (so a
// client can render a basic strength bar) and flags any password at least
// hasher's own minimum length as "reasonable," without judging content.
type UnknownPasswordMeta struct{}

func (UnknownPasswordMeta) Describe(password string) PasswordMeta {
	return PasswordMeta{Length: len(password), Reasonable: len(password) >= 8}
}

// TokenVerification is TokenVerify's result.
type TokenVerification struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// KeyVerification is KeyVerify's result.
type KeyVerification struct {
	UserID   string `json:"user_id"`
	KeyValue string `json:"key"`
}

// Engine is the auth engine. One Engine serves every service; service
// scoping happens per-call via the serviceID argument — disjoint
// signature spaces, nothing here is keyed by service beyond that.
type Engine struct {
	services  *servicestore.Facade
	users     *userstore.Facade
	keys      *key.Manager
	csrf      csrf.Store
	codec     *jwtcodec.Codec
	notifier  *notify.Dispatcher
	providers map[string]oauth2provider.Provider

	auditSink  audit.Sink
	newAuditID audit.IDGenerator

	passwordMeta PasswordMetaProvider
}

// SetPasswordMeta swaps in a non-default password-strength oracle. Optional;
// Engine works with UnknownPasswordMeta if this is never called.
func (e *Engine) SetPasswordMeta(p PasswordMetaProvider) { e.passwordMeta = p }

func New(
	services *servicestore.Facade,
	users *userstore.Facade,
	keys *key.Manager,
	csrfStore csrf.Store,
	codec *jwtcodec.Codec,
	notifier *notify.Dispatcher,
	providers map[string]oauth2provider.Provider,
	auditSink audit.Sink,
	newAuditID audit.IDGenerator,
) *Engine {
	return &Engine{
		services:     services,
		users:        users,
		keys:         keys,
		csrf:         csrfStore,
		codec:        codec,
		notifier:     notifier,
		providers:    providers,
		auditSink:    auditSink,
		newAuditID:   newAuditID,
		passwordMeta: UnknownPasswordMeta{},
	}
}

func (e *Engine) builder(meta audit.Meta) *audit.Builder {
	return audit.New(e.auditSink, e.newAuditID, meta)
}

// mintTokenPair mints an access/refresh pair: one CSRF entry scoped to the
// service with the refresh TTL, a bare access token, and a refresh token
// carrying the CSRF key so each refresh token is single-use.
func (e *Engine) mintTokenPair(ctx context.Context, serviceID, userID string, secret []byte, ttl TTLs) (UserToken, error) {
	entry, err := e.csrf.Create(ctx, serviceID, ttl.Refresh)
	if err != nil {
		return UserToken{}, apierr.Infrastructure(err)
	}
	access, accessExp, err := e.codec.Encode(serviceID, userID, jwtcodec.AccessToken, ttl.Access, secret)
	if err != nil {
		return UserToken{}, apierr.Infrastructure(err)
	}
	refresh, refreshExp, err := e.codec.EncodeWithCsrf(serviceID, userID, jwtcodec.RefreshToken, ttl.Refresh, entry.Key, secret)
	if err != nil {
		return UserToken{}, apierr.Infrastructure(err)
	}
	return UserToken{
		UserID:           userID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// mintRevokeToken is the shared tail that register confirm, email update and
// password update perform before touching a user's credentials, so those
// mutations are always accompanied by a way to undo them. Reset confirm does
// not mint one.
func (e *Engine) mintRevokeToken(ctx context.Context, serviceID, userID string, secret []byte, ttl time.Duration) (string, error) {
	entry, err := e.csrf.Create(ctx, serviceID, ttl)
	if err != nil {
		return "", apierr.Infrastructure(err)
	}
	token, _, err := e.codec.EncodeWithCsrf(serviceID, userID, jwtcodec.RevokeToken, ttl, entry.Key, secret)
	if err != nil {
		return "", apierr.Infrastructure(err)
	}
	return token, nil
}

// consumeCsrf maps csrf.ErrNotFoundOrUsed onto the named failure reason,
// shared by every flow that closes out a single-use token.
func (e *Engine) consumeCsrf(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if _, err := e.csrf.Consume(ctx, key); err != nil {
		if errors.Is(err, csrf.ErrNotFoundOrUsed) {
			return apierr.BadRequest(apierr.ReasonCsrfNotFoundOrUsed)
		}
		return apierr.Infrastructure(err)
	}
	return nil
}

// Login authenticates a user by email and password and mints a token pair.
// Every recoverable failure collapses to the same opaque error so a caller
// cannot distinguish an unknown email from a wrong password.
func (e *Engine) Login(ctx context.Context, meta audit.Meta, serviceID, email, password string, ttl TTLs) (UserToken, error) {
	b := e.builder(meta).WithService(serviceID)

	u, err := e.users.GetByEmail(ctx, email)
	if err != nil || !u.IsEnabled {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalLoginError, email, nil, 400)
		return UserToken{}, apierr.BadRequest(apierr.ReasonPasswordIncorrect)
	}
	b = b.WithUser(u.ID)

	tokenKey, err := e.keys.GetUsableUserToken(ctx, serviceID, u.ID)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalLoginError, u.ID, nil, 400)
		return UserToken{}, apierr.BadRequest(apierr.ReasonPasswordIncorrect)
	}

	if u.PasswordRequireUpdate {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalLoginError, u.ID, nil, 403)
		return UserToken{}, apierr.Forbidden(apierr.ReasonPasswordUpdateRequired)
	}

	if err := e.users.VerifyPassword(ctx, u, password); err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalLoginError, u.ID, nil, 400)
		return UserToken{}, err
	}

	pair, err := e.mintTokenPair(ctx, serviceID, u.ID, []byte(tokenKey.Value), ttl)
	if err != nil {
		return UserToken{}, err
	}
	pair.PasswordMeta = e.passwordMeta.Describe(password)
	_, _ = b.Terminal(ctx, audit.TypeAuthLocalLogin, u.ID, nil, 200)
	return pair, nil
}

// RegisterRequest upserts a user and their token key, then emails a
// single-use register token the user confirms via RegisterConfirm.
func (e *Engine) RegisterRequest(ctx context.Context, meta audit.Meta, serviceID, name, email, locale, timezone string, registerTTL time.Duration) error {
	b := e.builder(meta).WithService(serviceID)

	svc, err := e.services.Get(ctx, serviceID, true)
	if err != nil {
		return err
	}
	if !svc.UserAllowRegister {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRegisterError, email, nil, 403)
		return apierr.Forbidden(apierr.ReasonNone)
	}

	u, err := e.users.GetByEmail(ctx, email)
	switch {
	case err == nil && !u.IsEnabled:
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRegisterError, u.ID, nil, 400)
		return apierr.BadRequest(apierr.ReasonUserDisabled)
	case err != nil:
		u, err = e.users.Create(ctx, name, email, locale, timezone)
		if err != nil {
			return err
		}
	}
	b = b.WithUser(u.ID)

	tokenKey, err := e.keys.GetOrCreateUserToken(ctx, serviceID, u.ID)
	if err != nil {
		return apierr.Infrastructure(err)
	}

	entry, err := e.csrf.Create(ctx, serviceID, registerTTL)
	if err != nil {
		return apierr.Infrastructure(err)
	}
	token, _, err := e.codec.EncodeWithCsrf(serviceID, u.ID, jwtcodec.RegisterToken, registerTTL, entry.Key, []byte(tokenKey.Value))
	if err != nil {
		return apierr.Infrastructure(err)
	}

	if err := e.notifier.Enqueue(ctx, notify.Envelope{
		To:       u.Email,
		Template: notify.TemplateRegister,
		Context:  map[string]any{"service_id": serviceID, "user_id": u.ID, "token": token},
	}); err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRegisterError, u.ID, nil, 500)
		return apierr.Infrastructure(err)
	}

	_, _ = b.Terminal(ctx, audit.TypeAuthLocalRegister, u.ID, nil, 200)
	return nil
}

// decodeUserTokenFlow is the unsafe-decode-then-checked-load step the
// confirm flows share: learn which user a token claims, then load that
// user's (enabled, non-revoked) Token-type key before trusting any
// signature.
func (e *Engine) decodeUserTokenFlow(ctx context.Context, serviceID, token string) (userstore.User, key.Key, error) {
	userID, _, err := e.codec.DecodeUnsafe(serviceID, token)
	if err != nil {
		return userstore.User{}, key.Key{}, apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	u, err := e.users.Get(ctx, userID)
	if err != nil {
		return userstore.User{}, key.Key{}, apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	k, err := e.keys.GetUsableUserToken(ctx, serviceID, userID)
	if err != nil {
		return userstore.User{}, key.Key{}, apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	return u, k, nil
}

// RegisterConfirm closes out a register token: verified decode, single-use
// CSRF consume, optional initial password, and a revoke token emailed so
// the registration can be undone.
func (e *Engine) RegisterConfirm(ctx context.Context, meta audit.Meta, serviceID, token string, password *string, passwordAllowReset *bool, revokeTTL time.Duration) error {
	b := e.builder(meta).WithService(serviceID)

	svc, err := e.services.Get(ctx, serviceID, true)
	if err != nil {
		return err
	}
	if !svc.UserAllowRegister {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRegisterConfirmErr, "", nil, 403)
		return apierr.Forbidden(apierr.ReasonNone)
	}

	u, k, err := e.decodeUserTokenFlow(ctx, serviceID, token)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRegisterConfirmErr, "", nil, 400)
		return err
	}
	b = b.WithUser(u.ID)

	_, csrfKey, err := e.codec.Decode(serviceID, u.ID, jwtcodec.RegisterToken, []byte(k.Value), token)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRegisterConfirmErr, u.ID, nil, 400)
		return apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	if err := e.consumeCsrf(ctx, csrfKey); err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRegisterConfirmErr, u.ID, nil, 400)
		return err
	}

	revokeToken, err := e.mintRevokeToken(ctx, serviceID, u.ID, []byte(k.Value), revokeTTL)
	if err != nil {
		return err
	}

	if password != nil {
		if _, err := e.users.SetPassword(ctx, u.ID, *password); err != nil {
			return err
		}
	}
	if passwordAllowReset != nil {
		if _, err := e.users.SetPasswordAllowReset(ctx, u.ID, *passwordAllowReset); err != nil {
			return err
		}
	}

	if err := e.notifier.Enqueue(ctx, notify.Envelope{
		To:       u.Email,
		Template: notify.TemplateRegisterConfirm,
		Context:  map[string]any{"revoke_token": revokeToken},
	}); err != nil {
		return apierr.Infrastructure(err)
	}

	_, _ = b.Terminal(ctx, audit.TypeAuthLocalRegisterConfirm, u.ID, nil, 200)
	return nil
}

// ResetPassword emails a reset token. It always returns nil: the response shape (and
// roughly the timing) must be indistinguishable across unknown email,
// disabled reset, and success, to resist account enumeration.
func (e *Engine) ResetPassword(ctx context.Context, meta audit.Meta, serviceID, email string, resetTTL time.Duration) error {
	b := e.builder(meta).WithService(serviceID)

	u, err := e.users.GetByEmail(ctx, email)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalResetPassword, "", nil, 200)
		return nil
	}
	b = b.WithUser(u.ID)

	tokenKey, kerr := e.keys.GetUsableUserToken(ctx, serviceID, u.ID)
	if kerr != nil || !u.PasswordAllowReset {
		_ = b.Internal(ctx, audit.TypeAuthLocalResetPasswordErr, map[string]any{"user_id": u.ID})
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalResetPassword, u.ID, nil, 200)
		return nil
	}

	entry, err := e.csrf.Create(ctx, serviceID, resetTTL)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalResetPassword, u.ID, nil, 200)
		return nil
	}
	token, _, err := e.codec.EncodeWithCsrf(serviceID, u.ID, jwtcodec.ResetPasswordToken, resetTTL, entry.Key, []byte(tokenKey.Value))
	if err == nil {
		_ = e.notifier.Enqueue(ctx, notify.Envelope{
			To:       u.Email,
			Template: notify.TemplateResetPassword,
			Context:  map[string]any{"token": token},
		})
	}

	_, _ = b.Terminal(ctx, audit.TypeAuthLocalResetPassword, u.ID, nil, 200)
	return nil
}

// ResetPasswordConfirm closes out a reset token and sets the new password.
func (e *Engine) ResetPasswordConfirm(ctx context.Context, meta audit.Meta, serviceID, token, newPassword string) (PasswordMeta, error) {
	b := e.builder(meta).WithService(serviceID)

	u, k, err := e.decodeUserTokenFlow(ctx, serviceID, token)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalResetPasswordConfirmErr, "", nil, 400)
		return PasswordMeta{}, err
	}
	b = b.WithUser(u.ID)

	if !u.PasswordAllowReset {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalResetPasswordConfirmErr, u.ID, nil, 400)
		return PasswordMeta{}, apierr.BadRequest(apierr.ReasonPasswordResetNotAllowed)
	}

	_, csrfKey, err := e.codec.Decode(serviceID, u.ID, jwtcodec.ResetPasswordToken, []byte(k.Value), token)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalResetPasswordConfirmErr, u.ID, nil, 400)
		return PasswordMeta{}, apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	if err := e.consumeCsrf(ctx, csrfKey); err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalResetPasswordConfirmErr, u.ID, nil, 400)
		return PasswordMeta{}, err
	}

	if _, err := e.users.SetPassword(ctx, u.ID, newPassword); err != nil {
		return PasswordMeta{}, err
	}
	if err := e.notifier.Enqueue(ctx, notify.Envelope{
		To:       u.Email,
		Template: notify.TemplateResetPasswordConfirm,
	}); err != nil {
		return PasswordMeta{}, apierr.Infrastructure(err)
	}

	_, _ = b.Terminal(ctx, audit.TypeAuthLocalResetPasswordConfirm, u.ID, nil, 200)
	return e.passwordMeta.Describe(newPassword), nil
}

// UpdateEmail changes a user's email after verifying their password,
// notifying the old address with a revoke token that can undo the change.
func (e *Engine) UpdateEmail(ctx context.Context, meta audit.Meta, serviceID, userID, password, newEmail string, revokeTTL time.Duration) error {
	b := e.builder(meta).WithService(serviceID).WithUser(userID)

	u, err := e.users.Get(ctx, userID)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalUpdateEmailError, userID, nil, 400)
		return err
	}
	if u.PasswordRequireUpdate {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalUpdateEmailError, userID, nil, 403)
		return apierr.Forbidden(apierr.ReasonPasswordUpdateRequired)
	}
	if err := e.users.VerifyPassword(ctx, u, password); err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalUpdateEmailError, userID, nil, 400)
		return err
	}

	tokenKey, err := e.keys.GetUsableUserToken(ctx, serviceID, userID)
	if err != nil {
		return err
	}
	revokeToken, err := e.mintRevokeToken(ctx, serviceID, userID, []byte(tokenKey.Value), revokeTTL)
	if err != nil {
		return err
	}

	oldEmail := u.Email
	if _, err := e.users.SetEmail(ctx, userID, newEmail); err != nil {
		return err
	}

	if err := e.notifier.Enqueue(ctx, notify.Envelope{
		To:       oldEmail,
		Template: notify.TemplateUpdateEmail,
		Context:  map[string]any{"old_email": oldEmail, "new_email": newEmail, "revoke_token": revokeToken},
	}); err != nil {
		return apierr.Infrastructure(err)
	}

	_, _ = b.Terminal(ctx, audit.TypeAuthLocalUpdateEmail, userID, nil, 200)
	return nil
}

// UpdatePassword changes a user's password after verifying the current one.
func (e *Engine) UpdatePassword(ctx context.Context, meta audit.Meta, serviceID, userID, password, newPassword string, revokeTTL time.Duration) (PasswordMeta, error) {
	b := e.builder(meta).WithService(serviceID).WithUser(userID)

	u, err := e.users.Get(ctx, userID)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalUpdatePasswordError, userID, nil, 400)
		return PasswordMeta{}, err
	}
	if err := e.users.VerifyPassword(ctx, u, password); err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalUpdatePasswordError, userID, nil, 400)
		return PasswordMeta{}, err
	}

	tokenKey, err := e.keys.GetUsableUserToken(ctx, serviceID, userID)
	if err != nil {
		return PasswordMeta{}, err
	}
	revokeToken, err := e.mintRevokeToken(ctx, serviceID, userID, []byte(tokenKey.Value), revokeTTL)
	if err != nil {
		return PasswordMeta{}, err
	}

	if _, err := e.users.SetPassword(ctx, userID, newPassword); err != nil {
		return PasswordMeta{}, err
	}

	if err := e.notifier.Enqueue(ctx, notify.Envelope{
		To:       u.Email,
		Template: notify.TemplateUpdatePassword,
		Context:  map[string]any{"revoke_token": revokeToken},
	}); err != nil {
		return PasswordMeta{}, apierr.Infrastructure(err)
	}

	_, _ = b.Terminal(ctx, audit.TypeAuthLocalUpdatePassword, userID, nil, 200)
	return e.passwordMeta.Describe(newPassword), nil
}

// Revoke closes out a revoke token: the user is disabled and every key
// they own on this service is revoked. It returns the terminal audit ID so
// the undo can be traced. The user and key loads are unchecked — a revoke
// must still work against an already-disabled user or key.
func (e *Engine) Revoke(ctx context.Context, meta audit.Meta, serviceID, revokeToken string) (string, error) {
	b := e.builder(meta).WithService(serviceID)

	userID, _, err := e.codec.DecodeUnsafe(serviceID, revokeToken)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRevokeError, "", nil, 400)
		return "", apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	b = b.WithUser(userID)

	if _, err := e.users.Get(ctx, userID); err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRevokeError, userID, nil, 400)
		return "", apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	tokenKey, err := e.keys.GetUserTokenUnchecked(ctx, serviceID, userID)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRevokeError, userID, nil, 400)
		return "", apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}

	_, csrfKey, err := e.codec.Decode(serviceID, userID, jwtcodec.RevokeToken, []byte(tokenKey.Value), revokeToken)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRevokeError, userID, nil, 400)
		return "", apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	if err := e.consumeCsrf(ctx, csrfKey); err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthLocalRevokeError, userID, nil, 400)
		return "", err
	}

	if _, err := e.users.Disable(ctx, userID); err != nil {
		return "", err
	}
	if err := e.keys.RevokeAllForUser(ctx, serviceID, userID); err != nil {
		return "", err
	}

	auditID, _ := b.Terminal(ctx, audit.TypeAuthLocalRevoke, userID, nil, 200)
	return auditID, nil
}

// KeyVerify resolves a bearer key value to the user it belongs to,
// requiring it be enabled, not revoked, and user-role within this service.
// custom, if non-nil, is caller-supplied context recorded on the terminal
// audit.
func (e *Engine) KeyVerify(ctx context.Context, meta audit.Meta, serviceID, keyValue string, custom map[string]any) (KeyVerification, error) {
	b := e.builder(meta).WithService(serviceID)

	k, err := e.keys.ReadByValue(ctx, keyValue)
	if err != nil || k.ServiceID == nil || *k.ServiceID != serviceID || k.Role() != key.RoleUser || !k.Usable() {
		_, _ = b.Terminal(ctx, audit.TypeAuthKeyVerifyError, "", nil, 400)
		return KeyVerification{}, apierr.Unauthorised(apierr.ReasonKeyRevoked)
	}

	_, _ = b.WithUser(*k.UserID).WithUserKey(k.ID).Terminal(ctx, audit.TypeAuthKeyVerify, *k.UserID, custom, 200)
	return KeyVerification{UserID: *k.UserID, KeyValue: k.Value}, nil
}

// KeyRevoke revokes a bearer key by value. The load is unchecked — the key
// may already be disabled. Returns the terminal audit ID.
func (e *Engine) KeyRevoke(ctx context.Context, meta audit.Meta, serviceID, keyValue string, custom map[string]any) (string, error) {
	b := e.builder(meta).WithService(serviceID)

	k, err := e.keys.ReadByValue(ctx, keyValue)
	if err != nil || k.ServiceID == nil || *k.ServiceID != serviceID || k.Role() != key.RoleUser {
		_, _ = b.Terminal(ctx, audit.TypeAuthKeyRevoke, "", nil, 400)
		return "", apierr.Unauthorised(apierr.ReasonNone)
	}

	if _, err := e.keys.Revoke(ctx, k.ID); err != nil {
		return "", apierr.Infrastructure(err)
	}
	auditID, _ := b.WithUser(*k.UserID).WithUserKey(k.ID).Terminal(ctx, audit.TypeAuthKeyRevoke, *k.UserID, custom, 200)
	return auditID, nil
}

// TokenVerify checks an access token: unsafe decode locates the user, the
// checked key load supplies the signing secret, then a verified decode
// settles validity.
func (e *Engine) TokenVerify(ctx context.Context, meta audit.Meta, serviceID, accessToken string, custom map[string]any) (TokenVerification, error) {
	b := e.builder(meta).WithService(serviceID)

	userID, _, err := e.codec.DecodeUnsafe(serviceID, accessToken)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTokenVerifyError, "", nil, 400)
		return TokenVerification{}, apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	b = b.WithUser(userID)

	tokenKey, err := e.keys.GetUsableUserToken(ctx, serviceID, userID)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTokenVerifyError, userID, nil, 400)
		return TokenVerification{}, apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}

	exp, _, err := e.codec.Decode(serviceID, userID, jwtcodec.AccessToken, []byte(tokenKey.Value), accessToken)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTokenVerifyError, userID, nil, 400)
		return TokenVerification{}, apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}

	_, _ = b.Terminal(ctx, audit.TypeAuthTokenVerify, userID, custom, 200)
	return TokenVerification{UserID: userID, AccessToken: accessToken, ExpiresAt: exp}, nil
}

// TokenRefresh exchanges a refresh token for a new pair. Consuming the old
// token's CSRF key makes each refresh token single-use: a replay fails at
// the consume step.
func (e *Engine) TokenRefresh(ctx context.Context, meta audit.Meta, serviceID, refreshToken string, custom map[string]any, ttl TTLs) (UserToken, error) {
	b := e.builder(meta).WithService(serviceID)

	userID, _, err := e.codec.DecodeUnsafe(serviceID, refreshToken)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTokenRefreshError, "", nil, 400)
		return UserToken{}, apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	b = b.WithUser(userID)

	tokenKey, err := e.keys.GetUsableUserToken(ctx, serviceID, userID)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTokenRefreshError, userID, nil, 400)
		return UserToken{}, apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}

	_, csrfKey, err := e.codec.Decode(serviceID, userID, jwtcodec.RefreshToken, []byte(tokenKey.Value), refreshToken)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTokenRefreshError, userID, nil, 400)
		return UserToken{}, apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	if err := e.consumeCsrf(ctx, csrfKey); err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTokenRefreshError, userID, nil, 400)
		return UserToken{}, err
	}

	pair, err := e.mintTokenPair(ctx, serviceID, userID, []byte(tokenKey.Value), ttl)
	if err != nil {
		return UserToken{}, err
	}
	_, _ = b.Terminal(ctx, audit.TypeAuthTokenRefresh, userID, custom, 200)
	return pair, nil
}

// TokenRevoke revokes the signing key behind a presented token — access or
// refresh, whichever the unsafe decode reveals — killing the user's entire
// session on this service. Returns the terminal audit ID.
func (e *Engine) TokenRevoke(ctx context.Context, meta audit.Meta, serviceID, token string, custom map[string]any) (string, error) {
	b := e.builder(meta).WithService(serviceID)

	userID, typ, err := e.codec.DecodeUnsafe(serviceID, token)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTokenRevokeError, "", nil, 400)
		return "", apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	b = b.WithUser(userID)

	tokenKey, err := e.keys.GetUserTokenUnchecked(ctx, serviceID, userID)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTokenRevokeError, userID, nil, 400)
		return "", apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}

	_, csrfKey, err := e.codec.Decode(serviceID, userID, typ, []byte(tokenKey.Value), token)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTokenRevokeError, userID, nil, 400)
		return "", apierr.BadRequest(apierr.ReasonJwtInvalidOrExpired)
	}
	if csrfKey != "" {
		_, _ = e.csrf.Consume(ctx, csrfKey) // best-effort: an already-used csrf key doesn't block revocation.
	}

	if _, err := e.keys.Revoke(ctx, tokenKey.ID); err != nil {
		return "", apierr.Infrastructure(err)
	}
	auditID, _ := b.WithUserKey(tokenKey.ID).Terminal(ctx, audit.TypeAuthTokenRevoke, userID, custom, 200)
	return auditID, nil
}

// totpDriftSteps allows one 30-second step of clock drift either way.
const totpDriftSteps = 1

// TotpVerify checks a one-time code against the user's enrolled Totp key
// over the current 30-second window, allowing one step of clock drift.
func (e *Engine) TotpVerify(ctx context.Context, meta audit.Meta, serviceID, userID, code string) error {
	b := e.builder(meta).WithService(serviceID).WithUser(userID)

	totpKey, err := e.keys.GetUserKeyByType(ctx, serviceID, userID, key.TypeTotp)
	if err != nil || !totpKey.Usable() {
		_, _ = b.Terminal(ctx, audit.TypeAuthTotpVerifyError, userID, nil, 400)
		return apierr.BadRequest(apierr.ReasonTotpInvalid)
	}

	valid, err := totp.ValidateCustom(code, totpKey.Value, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      totpDriftSteps,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		_, _ = b.Terminal(ctx, audit.TypeAuthTotpVerifyError, userID, nil, 400)
		return apierr.BadRequest(apierr.ReasonTotpInvalid)
	}

	_, _ = b.Terminal(ctx, audit.TypeAuthTotpVerify, userID, nil, 200)
	return nil
}

// TotpEnrollment is TotpEnroll's result: the server-generated secret and its
// otpauth:// URI, suitable for rendering as a QR code. Callers never choose
// their own secret; it is always server-generated and enrolled through
// this dedicated flow.
type TotpEnrollment struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

// TotpEnroll provisions a Totp-typed key for (service, user): a
// server-generated secret stored as a regular Key.value, which ties TOTP
// lifecycle to key lifecycle — revoke kills TOTP too.
func (e *Engine) TotpEnroll(ctx context.Context, meta audit.Meta, serviceID, userID, accountName string) (TotpEnrollment, error) {
	b := e.builder(meta).WithService(serviceID).WithUser(userID)

	u, err := e.users.Get(ctx, userID)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTotpEnrollError, userID, nil, 400)
		return TotpEnrollment{}, err
	}
	if !u.IsEnabled {
		_, _ = b.Terminal(ctx, audit.TypeAuthTotpEnrollError, userID, nil, 403)
		return TotpEnrollment{}, apierr.Forbidden(apierr.ReasonUserDisabled)
	}

	generated, err := totp.Generate(totp.GenerateOpts{
		Issuer:      serviceID,
		AccountName: accountName,
	})
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeAuthTotpEnrollError, userID, nil, 500)
		return TotpEnrollment{}, apierr.Infrastructure(err)
	}

	if _, err := e.keys.CreateUserWithValue(ctx, serviceID, userID, key.TypeTotp, "totp", generated.Secret(), true); err != nil {
		return TotpEnrollment{}, err
	}

	_, _ = b.Terminal(ctx, audit.TypeAuthTotpEnroll, userID, nil, 200)
	return TotpEnrollment{Secret: generated.Secret(), URI: generated.String()}, nil
}

// OAuth2Login completes a provider callback: the adapter consumes the
// state and exchanges the code, and the returned email is resolved (or, if
// the service permits self-registration, provisioned) into a local user
// before minting the same token pair a password login would.
func (e *Engine) OAuth2Login(ctx context.Context, meta audit.Meta, serviceID, providerName, code, state string, ttl TTLs) (UserToken, error) {
	b := e.builder(meta).WithService(serviceID)

	provider, ok := e.providers[providerName]
	if !ok {
		_, _ = b.Terminal(ctx, audit.TypeOauth2LoginError, "", nil, 400)
		return UserToken{}, apierr.NotFound()
	}

	email, err := provider.Complete(ctx, code, state)
	if err != nil {
		_, _ = b.Terminal(ctx, audit.TypeOauth2LoginError, "", map[string]any{"provider": providerName}, 400)
		return UserToken{}, err
	}

	u, err := e.users.GetByEmail(ctx, email)
	if err != nil {
		svc, svcErr := e.services.Get(ctx, serviceID, true)
		if svcErr != nil || !svc.UserAllowRegister {
			_, _ = b.Terminal(ctx, audit.TypeOauth2LoginError, "", map[string]any{"provider": providerName}, 400)
			return UserToken{}, apierr.NotFound()
		}
		u, err = e.users.Create(ctx, email, email, "", "")
		if err != nil {
			return UserToken{}, err
		}
	}
	b = b.WithUser(u.ID)

	tokenKey, err := e.keys.GetOrCreateUserToken(ctx, serviceID, u.ID)
	if err != nil {
		return UserToken{}, apierr.Infrastructure(err)
	}

	pair, err := e.mintTokenPair(ctx, serviceID, u.ID, []byte(tokenKey.Value), ttl)
	if err != nil {
		return UserToken{}, err
	}

	_, _ = b.Terminal(ctx, audit.TypeOauth2Login, u.ID, map[string]any{"provider": providerName}, 200)
	return pair, nil
}
