package auth

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/ssocore/ssocore/apierr"
	"github.com/ssocore/ssocore/audit"
	"github.com/ssocore/ssocore/csrf"
	"github.com/ssocore/ssocore/hasher"
	"github.com/ssocore/ssocore/jwtcodec"
	"github.com/ssocore/ssocore/key"
	"github.com/ssocore/ssocore/notify"
	"github.com/ssocore/ssocore/oauth2provider"
	"github.com/ssocore/ssocore/servicestore"
	"github.com/ssocore/ssocore/userstore"
)

type harness struct {
	engine  *Engine
	keys    *key.Manager
	users   *userstore.Facade
	svcs    *servicestore.Facade
	csrf    *csrf.MemStore
	mailer  *notify.DevMailer
	sink    *auditMemSink
	service servicestore.Service
	ttl     TTLs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithProviders(t, map[string]oauth2provider.Provider{})
}

func newHarnessWithProviders(t *testing.T, providers map[string]oauth2provider.Provider) *harness {
	t.Helper()

	keys := key.NewManager(newKeyMemStore())
	users := userstore.NewFacade(newUserMemStore(), hasher.New(hasher.DefaultParams))
	svcs := servicestore.NewFacade(newServiceMemStore())
	csrfStore := csrf.NewMemStore()
	mailer := notify.NewDevMailer(16)
	dispatcher := notify.NewDispatcher(mailer, 16)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.Close(ctx)
	})
	sink := newAuditMemSink()

	svc, err := svcs.Create(context.Background(), servicestore.Service{
		IsEnabled:         true,
		Name:              "svc",
		UserAllowRegister: true,
	})
	require.NoError(t, err)

	engine := New(svcs, users, keys, csrfStore, jwtcodec.New(), dispatcher, providers, sink, newAuditID)

	return &harness{
		engine:  engine,
		keys:    keys,
		users:   users,
		svcs:    svcs,
		csrf:    csrfStore,
		mailer:  mailer,
		sink:    sink,
		service: svc,
		ttl:     TTLs{Access: time.Minute, Refresh: time.Hour, Revoke: 24 * time.Hour},
	}
}

// fakeProvider is a test double for oauth2provider.Provider: Complete
// returns a fixed email for one known (code, state) pair and an error for
// anything else, standing in for a real upstream exchange.
type fakeProvider struct {
	code, state, email string
}

func (p *fakeProvider) Begin(ctx context.Context, serviceID string) (string, error) {
	return "https://upstream.example/authorize?state=" + p.state, nil
}

func (p *fakeProvider) Complete(ctx context.Context, code, state string) (string, error) {
	if code != p.code || state != p.state {
		return "", apierr.BadRequest(apierr.ReasonStateNotFoundOrExpired)
	}
	return p.email, nil
}

func (h *harness) seedUser(t *testing.T, email, password string) userstore.User {
	t.Helper()
	u, err := h.users.Create(context.Background(), "Ada", email, "en-US", "UTC")
	require.NoError(t, err)
	u, err = h.users.SetPassword(context.Background(), u.ID, password)
	require.NoError(t, err)
	_, err = h.keys.GetOrCreateUserToken(context.Background(), h.service.ID, u.ID)
	require.NoError(t, err)
	return u
}

func tokenKeyValue(t *testing.T, h *harness, userID string) string {
	t.Helper()
	k, err := h.keys.GetUsableUserToken(context.Background(), h.service.ID, userID)
	require.NoError(t, err)
	return k.Value
}

// S1 — Password login round-trip.
func TestScenario1_PasswordLoginRoundTrip(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "a@b", "hunter2pass")
	secret := tokenKeyValue(t, h, u.ID)

	pair, err := h.engine.Login(context.Background(), audit.Meta{}, h.service.ID, "a@b", "hunter2pass", h.ttl)
	require.NoError(t, err)
	require.Equal(t, u.ID, pair.UserID)

	codec := jwtcodec.New()
	exp, _, err := codec.Decode(h.service.ID, u.ID, jwtcodec.AccessToken, []byte(secret), pair.AccessToken)
	require.NoError(t, err)
	require.True(t, exp.After(time.Now()))

	terminals := h.sink.terminalsOfType(audit.TypeAuthLocalLogin)
	require.Len(t, terminals, 1)
}

// S2 — Refresh replay fails.
func TestScenario2_RefreshReplayFails(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "a@b", "hunter2pass")

	pair, err := h.engine.Login(context.Background(), audit.Meta{}, h.service.ID, "a@b", "hunter2pass", h.ttl)
	require.NoError(t, err)

	_, err = h.engine.TokenRefresh(context.Background(), audit.Meta{}, h.service.ID, pair.RefreshToken, nil, h.ttl)
	require.NoError(t, err)

	_, err = h.engine.TokenRefresh(context.Background(), audit.Meta{}, h.service.ID, pair.RefreshToken, nil, h.ttl)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ReasonCsrfNotFoundOrUsed, apiErr.Reason)

	errs := h.sink.terminalsOfType(audit.TypeAuthTokenRefreshError)
	require.Len(t, errs, 1)
	_ = u
}

// S3 — Reset-password enumeration opacity.
func TestScenario3_ResetPasswordEnumerationOpacity(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "a@b", "hunter2pass")
	_, err := h.users.SetPasswordAllowReset(context.Background(), u.ID, false)
	require.NoError(t, err)

	err = h.engine.ResetPassword(context.Background(), audit.Meta{}, h.service.ID, "ghost@nowhere", time.Hour)
	require.NoError(t, err)

	err = h.engine.ResetPassword(context.Background(), audit.Meta{}, h.service.ID, "a@b", time.Hour)
	require.NoError(t, err)

	internals := 0
	for _, r := range h.sink.all() {
		if !r.Terminal && r.Type == audit.TypeAuthLocalResetPasswordErr {
			internals++
		}
	}
	require.Equal(t, 1, internals, "only the known-but-not-allowed case should emit an internal audit")

	select {
	case <-h.mailer.Sent:
		t.Fatal("neither case should send an email")
	default:
	}
}

// S5 — Token revoke kills session.
func TestScenario5_TokenRevokeKillsSession(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "a@b", "hunter2pass")

	pair, err := h.engine.Login(context.Background(), audit.Meta{}, h.service.ID, "a@b", "hunter2pass", h.ttl)
	require.NoError(t, err)

	auditID, err := h.engine.TokenRevoke(context.Background(), audit.Meta{}, h.service.ID, pair.AccessToken, nil)
	require.NoError(t, err)
	require.NotEmpty(t, auditID)

	_, err = h.engine.TokenVerify(context.Background(), audit.Meta{}, h.service.ID, pair.AccessToken, nil)
	require.Error(t, err)

	_, err = h.engine.TokenRefresh(context.Background(), audit.Meta{}, h.service.ID, pair.RefreshToken, nil, h.ttl)
	require.Error(t, err)

	k, err := h.keys.GetUserTokenUnchecked(context.Background(), h.service.ID, u.ID)
	require.NoError(t, err)
	require.False(t, k.IsEnabled)
	require.True(t, k.IsRevoked)
}

// S6 — Password-update-required gate.
func TestScenario6_PasswordUpdateRequiredGate(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "a@b", "hunter2pass")
	_, err := h.users.Get(context.Background(), u.ID)
	require.NoError(t, err)

	_, err = h.users.SetPasswordRequireUpdate(context.Background(), u.ID, true)
	require.NoError(t, err)

	_, err = h.engine.Login(context.Background(), audit.Meta{}, h.service.ID, "a@b", "hunter2pass", h.ttl)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindForbidden, apiErr.Kind)
	require.Equal(t, apierr.ReasonPasswordUpdateRequired, apiErr.Reason)

	meta, err := h.engine.UpdatePassword(context.Background(), audit.Meta{}, h.service.ID, u.ID, "hunter2pass", "newpass123", h.ttl.Revoke)
	require.NoError(t, err)
	require.True(t, meta.Reasonable)

	_, err = h.engine.Login(context.Background(), audit.Meta{}, h.service.ID, "a@b", "newpass123", h.ttl)
	require.NoError(t, err)
}

// takeEnvelope pops the next envelope the dispatcher delivered, failing if
// none arrives in time.
func takeEnvelope(t *testing.T, h *harness) notify.Envelope {
	t.Helper()
	select {
	case e := <-h.mailer.Sent:
		return e
	case <-time.After(time.Second):
		t.Fatal("expected an email envelope")
		return notify.Envelope{}
	}
}

// Register round-trip: request mints an emailed register token, confirm
// sets the password and emails a revoke token, and the revoke token
// disables the user and kills every key — once.
func TestRegisterConfirmThenRevoke(t *testing.T) {
	h := newHarness(t)

	err := h.engine.RegisterRequest(context.Background(), audit.Meta{}, h.service.ID, "Ada", "new@b", "en-US", "UTC", time.Hour)
	require.NoError(t, err)

	reg := takeEnvelope(t, h)
	require.Equal(t, notify.TemplateRegister, reg.Template)
	registerToken, _ := reg.Context["token"].(string)
	require.NotEmpty(t, registerToken)

	password := "initial-pass-1"
	err = h.engine.RegisterConfirm(context.Background(), audit.Meta{}, h.service.ID, registerToken, &password, nil, time.Hour)
	require.NoError(t, err)

	confirm := takeEnvelope(t, h)
	require.Equal(t, notify.TemplateRegisterConfirm, confirm.Template)
	revokeToken, _ := confirm.Context["revoke_token"].(string)
	require.NotEmpty(t, revokeToken)

	// The register token is single-use: replaying the confirm fails.
	err = h.engine.RegisterConfirm(context.Background(), audit.Meta{}, h.service.ID, registerToken, &password, nil, time.Hour)
	require.Error(t, err)

	// The new credentials work until the revoke token is played.
	_, err = h.engine.Login(context.Background(), audit.Meta{}, h.service.ID, "new@b", password, h.ttl)
	require.NoError(t, err)

	auditID, err := h.engine.Revoke(context.Background(), audit.Meta{}, h.service.ID, revokeToken)
	require.NoError(t, err)
	require.NotEmpty(t, auditID)

	u, err := h.users.GetByEmail(context.Background(), "new@b")
	require.NoError(t, err)
	require.False(t, u.IsEnabled)

	_, err = h.engine.Login(context.Background(), audit.Meta{}, h.service.ID, "new@b", password, h.ttl)
	require.Error(t, err)

	// Revoke is itself single-use.
	_, err = h.engine.Revoke(context.Background(), audit.Meta{}, h.service.ID, revokeToken)
	require.Error(t, err)
}

// Reset-password confirm consumes its CSRF: the second confirm with the
// same token fails even though the signature is still valid.
func TestResetPasswordConfirmSingleUse(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "a@b", "hunter2pass")

	require.NoError(t, h.engine.ResetPassword(context.Background(), audit.Meta{}, h.service.ID, "a@b", time.Hour))

	reset := takeEnvelope(t, h)
	require.Equal(t, notify.TemplateResetPassword, reset.Template)
	resetToken, _ := reset.Context["token"].(string)
	require.NotEmpty(t, resetToken)

	_, err := h.engine.ResetPasswordConfirm(context.Background(), audit.Meta{}, h.service.ID, resetToken, "fresh-password-1")
	require.NoError(t, err)

	_, err = h.engine.ResetPasswordConfirm(context.Background(), audit.Meta{}, h.service.ID, resetToken, "fresh-password-2")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ReasonCsrfNotFoundOrUsed, apiErr.Reason)

	_, err = h.engine.Login(context.Background(), audit.Meta{}, h.service.ID, "a@b", "fresh-password-1", h.ttl)
	require.NoError(t, err)
}

// Update-email notifies the old address and leaves the password untouched.
func TestUpdateEmail(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "a@b", "hunter2pass")

	err := h.engine.UpdateEmail(context.Background(), audit.Meta{}, h.service.ID, u.ID, "hunter2pass", "a2@b", time.Hour)
	require.NoError(t, err)

	env := takeEnvelope(t, h)
	require.Equal(t, notify.TemplateUpdateEmail, env.Template)
	require.Equal(t, "a@b", env.To)
	require.Equal(t, "a2@b", env.Context["new_email"])

	_, err = h.engine.Login(context.Background(), audit.Meta{}, h.service.ID, "a2@b", "hunter2pass", h.ttl)
	require.NoError(t, err)
}

// A wrong current password blocks the email change.
func TestUpdateEmail_WrongPassword(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "a@b", "hunter2pass")

	err := h.engine.UpdateEmail(context.Background(), audit.Meta{}, h.service.ID, u.ID, "wrong-password", "a2@b", time.Hour)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ReasonPasswordIncorrect, apiErr.Reason)
}

// S4 — OAuth2 login for an existing user round-trips through a provider
// adapter exactly like a password login would.
func TestScenario4_OAuth2Login(t *testing.T) {
	provider := &fakeProvider{code: "gh-code", state: "gh-state", email: "a@b"}
	h := newHarnessWithProviders(t, map[string]oauth2provider.Provider{"github": provider})
	u := h.seedUser(t, "a@b", "hunter2pass")

	pair, err := h.engine.OAuth2Login(context.Background(), audit.Meta{}, h.service.ID, "github", "gh-code", "gh-state", h.ttl)
	require.NoError(t, err)
	require.Equal(t, u.ID, pair.UserID)

	terminals := h.sink.terminalsOfType(audit.TypeOauth2Login)
	require.Len(t, terminals, 1)
}

// OAuth2Login provisions a new user on first login when the service allows
// self-registration.
func TestScenario4_OAuth2LoginProvisionsNewUser(t *testing.T) {
	provider := &fakeProvider{code: "gh-code", state: "gh-state", email: "new@example.com"}
	h := newHarnessWithProviders(t, map[string]oauth2provider.Provider{"github": provider})

	pair, err := h.engine.OAuth2Login(context.Background(), audit.Meta{}, h.service.ID, "github", "gh-code", "gh-state", h.ttl)
	require.NoError(t, err)
	require.NotEmpty(t, pair.UserID)

	created, err := h.users.GetByEmail(context.Background(), "new@example.com")
	require.NoError(t, err)
	require.Equal(t, pair.UserID, created.ID)
}

// An unknown provider name is rejected before any upstream call is made.
func TestOAuth2Login_UnknownProvider(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.OAuth2Login(context.Background(), audit.Meta{}, h.service.ID, "nope", "c", "s", h.ttl)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

// Bearer API keys verify while live and stop verifying once revoked.
func TestKeyVerifyAndRevoke(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "a@b", "hunter2pass")

	apiKey, err := h.keys.CreateUser(context.Background(), h.service.ID, u.ID, key.TypeKey, "api", true)
	require.NoError(t, err)

	v, err := h.engine.KeyVerify(context.Background(), audit.Meta{}, h.service.ID, apiKey.Value, map[string]any{"origin": "gateway"})
	require.NoError(t, err)
	require.Equal(t, u.ID, v.UserID)

	auditID, err := h.engine.KeyRevoke(context.Background(), audit.Meta{}, h.service.ID, apiKey.Value, nil)
	require.NoError(t, err)
	require.NotEmpty(t, auditID)

	_, err = h.engine.KeyVerify(context.Background(), audit.Meta{}, h.service.ID, apiKey.Value, nil)
	require.Error(t, err)
}

// TotpEnroll provisions a Totp-typed key whose returned secret is exactly
// what was persisted, so a code generated from the returned secret verifies.
func TestTotpEnrollThenVerify(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "a@b", "hunter2pass")

	enrollment, err := h.engine.TotpEnroll(context.Background(), audit.Meta{}, h.service.ID, u.ID, "a@b")
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)
	require.Contains(t, enrollment.URI, "otpauth://")

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)

	require.NoError(t, h.engine.TotpVerify(context.Background(), audit.Meta{}, h.service.ID, u.ID, code))

	terminals := h.sink.terminalsOfType(audit.TypeAuthTotpEnroll)
	require.Len(t, terminals, 1)
}

// A wrong TOTP code is rejected without revealing why.
func TestTotpVerify_WrongCode(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "a@b", "hunter2pass")

	_, err := h.engine.TotpEnroll(context.Background(), audit.Meta{}, h.service.ID, u.ID, "a@b")
	require.NoError(t, err)

	err = h.engine.TotpVerify(context.Background(), audit.Meta{}, h.service.ID, u.ID, "000000")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ReasonTotpInvalid, apiErr.Reason)
}

// Verifying TOTP for a user who never enrolled fails the same way a wrong
// code would, not with a distinguishable "not enrolled" error.
func TestTotpVerify_NotEnrolled(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "a@b", "hunter2pass")

	err := h.engine.TotpVerify(context.Background(), audit.Meta{}, h.service.ID, u.ID, "123456")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.ReasonTotpInvalid, apiErr.Reason)
}
