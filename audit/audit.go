// Package audit implements the append-only audit event builder. One
// Builder is attached to every incoming request (an arena for audits —
// pass it by mutable reference, never through return values) and
// accumulates identity as the request discovers it, then emits internal
// (mid-flow) or terminal (returned to the caller) records.
package audit

import (
	"context"
	"time"
)

// Type enumerates the audit record types the auth engine's operations
// emit. New operations append new constants; never reuse one across
// unrelated outcomes, since audit.type is what downstream consumers
// filter and alert on.
type Type string

const (
	TypeAuthLocalLogin                   Type = "AuthLocalLogin"
	TypeAuthLocalLoginError              Type = "AuthLocalLoginError"
	TypeAuthLocalRegister                Type = "AuthLocalRegister"
	TypeAuthLocalRegisterError           Type = "AuthLocalRegisterError"
	TypeAuthLocalRegisterConfirm         Type = "AuthLocalRegisterConfirm"
	TypeAuthLocalRegisterConfirmErr      Type = "AuthLocalRegisterConfirmError"
	TypeAuthLocalResetPassword           Type = "AuthLocalResetPassword"
	TypeAuthLocalResetPasswordErr        Type = "AuthLocalResetPasswordError"
	TypeAuthLocalResetPasswordConfirm    Type = "AuthLocalResetPasswordConfirm"
	TypeAuthLocalResetPasswordConfirmErr Type = "AuthLocalResetPasswordConfirmError"
	TypeAuthLocalUpdateEmail             Type = "AuthLocalUpdateEmail"
	TypeAuthLocalUpdateEmailError        Type = "AuthLocalUpdateEmailError"
	TypeAuthLocalUpdatePassword          Type = "AuthLocalUpdatePassword"
	TypeAuthLocalUpdatePasswordError     Type = "AuthLocalUpdatePasswordError"
	TypeAuthLocalRevoke                  Type = "AuthLocalRevoke"
	TypeAuthLocalRevokeError             Type = "AuthLocalRevokeError"
	TypeAuthKeyVerify                    Type = "AuthKeyVerify"
	TypeAuthKeyVerifyError               Type = "AuthKeyVerifyError"
	TypeAuthKeyRevoke                    Type = "AuthKeyRevoke"
	TypeAuthTokenVerify                  Type = "AuthTokenVerify"
	TypeAuthTokenVerifyError             Type = "AuthTokenVerifyError"
	TypeAuthTokenRefresh                 Type = "AuthTokenRefresh"
	TypeAuthTokenRefreshError            Type = "AuthTokenRefreshError"
	TypeAuthTokenRevoke                  Type = "AuthTokenRevoke"
	TypeAuthTokenRevokeError             Type = "AuthTokenRevokeError"
	TypeAuthTotpVerify                   Type = "AuthTotpVerify"
	TypeAuthTotpVerifyError              Type = "AuthTotpVerifyError"
	TypeAuthTotpEnroll                   Type = "AuthTotpEnroll"
	TypeAuthTotpEnrollError              Type = "AuthTotpEnrollError"
	TypeOauth2Login                      Type = "Oauth2Login"
	TypeOauth2LoginError                 Type = "Oauth2LoginError"
	TypeKeyCreate                        Type = "KeyCreate"
	TypeKeyRevoke                        Type = "KeyRevoke"
	TypeServiceCreate                    Type = "ServiceCreate"
	TypeServiceUpdate                    Type = "ServiceUpdate"
	TypeUserCreate                       Type = "UserCreate"
	TypeUserUpdate                       Type = "UserUpdate"
)

// Meta carries request provenance discovered by the transport layer before
// the audit builder exists for a request's lifetime.
type Meta struct {
	RemoteAddr   string
	UserAgent    string
	ForwardedFor string
	Path         string
}

// Record is one emitted audit row.
type Record struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	CorrelationID string         `json:"correlation_id"`
	ServiceID     *string        `json:"service_id,omitempty"`
	UserID        *string        `json:"user_id,omitempty"`
	UserKeyID     *string        `json:"user_key_id,omitempty"`
	Type          Type           `json:"type"`
	Path          string         `json:"path,omitempty"`
	Subject       *string        `json:"subject,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	StatusCode    int            `json:"status_code,omitempty"`
	Terminal      bool           `json:"terminal"`
}

// Sink persists audit records. The core never reads audits back through
// this interface (that's storage's job for the /v1/audit endpoints) — Sink
// is write-only from the builder's point of view.
type Sink interface {
	Append(ctx context.Context, r Record) error
}

// IDGenerator produces opaque 128-bit audit IDs; swappable for tests.
type IDGenerator func() string

// Builder accumulates identity for a single request and emits records
// against Sink. Zero value is not usable; use New.
type Builder struct {
	sink          Sink
	newID         IDGenerator
	correlationID string

	serviceID *string
	userID    *string
	userKeyID *string
	meta      Meta
}

func New(sink Sink, newID IDGenerator, meta Meta) *Builder {
	return &Builder{
		sink:          sink,
		newID:         newID,
		correlationID: newID(),
		meta:          meta,
	}
}

// WithService records the service the request authenticated against once
// it's known (the auth engine sets it from the service ID it is called with).
func (b *Builder) WithService(serviceID string) *Builder {
	b.serviceID = &serviceID
	return b
}

func (b *Builder) WithUser(userID string) *Builder {
	b.userID = &userID
	return b
}

func (b *Builder) WithUserKey(userKeyID string) *Builder {
	b.userKeyID = &userKeyID
	return b
}

// CorrelationID lets long flows (register, OAuth2 login) correlate their
// internal-progress records with the eventual terminal one.
func (b *Builder) CorrelationID() string { return b.correlationID }

func (b *Builder) record(typ Type, subject *string, data map[string]any, status int, terminal bool) Record {
	return Record{
		ID:            b.newID(),
		CreatedAt:     time.Now(),
		CorrelationID: b.correlationID,
		ServiceID:     b.serviceID,
		UserID:        b.userID,
		UserKeyID:     b.userKeyID,
		Type:          typ,
		Path:          b.meta.Path,
		Subject:       subject,
		Data:          data,
		StatusCode:    status,
		Terminal:      terminal,
	}
}

// Internal emits a mid-flow progress record. It is never returned to the
// caller, only ever to the audit log. A failed append is reported through
// the error return; the auth engine discards that error, so it does not
// fail the request (the terminal record carries the final outcome).
func (b *Builder) Internal(ctx context.Context, typ Type, data map[string]any) error {
	return b.sink.Append(ctx, b.record(typ, nil, data, 0, false))
}

// Terminal emits the one terminal record for this request and returns its
// ID so the caller can surface it (e.g. the audit_id that the revoke
// endpoints return).
func (b *Builder) Terminal(ctx context.Context, typ Type, subject string, data map[string]any, status int) (string, error) {
	r := b.record(typ, &subject, data, status, true)
	if err := b.sink.Append(ctx, r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// ListFilter is the query shape for GET /v1/audit.
type ListFilter struct {
	Ge         *time.Time
	Le         *time.Time
	Limit      int
	OffsetID   string
	Types      []Type
	ServiceIDs []string
	UserIDs    []string
}

// Reader is implemented by storage for the paginated audit list/read/patch
// endpoints; kept separate from Sink because most of the core only ever
// writes audits.
type Reader interface {
	List(ctx context.Context, f ListFilter) ([]Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Patch(ctx context.Context, id string, subject *string, data map[string]any) (Record, error)
}
