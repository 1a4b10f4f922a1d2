// Package recordaccess implements the OTP-gated access flow through which a
// doctor unlocks and downloads a patient's test results.
//
// All session transitions go through Gate, which is the only caller of
// SessionStore.SetState. Expiry is evaluated lazily when permission is
// checked; there is no background timer.
package recordaccess

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/apiclient"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/metrics"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/notification"
)

var (
	ErrMissingPatient    = errors.New("patient id is required")
	ErrMissingDoctor     = errors.New("doctor id is required")
	ErrEmptyCode         = errors.New("please enter the OTP")
	ErrNoPendingRequest  = errors.New("no OTP has been requested for this patient")
	ErrAccessNotVerified = errors.New("please verify OTP first to download test results")
	ErrAccessExpired     = errors.New("access expired, please request a new OTP")
)

// defaultSideEffectTimeout bounds background cancel and notification calls.
const defaultSideEffectTimeout = 15 * time.Second

// Gate mediates every OTP lifecycle transition and guards downloads.
type Gate struct {
	store      *SessionStore
	backend    Backend
	catalog    *Catalog
	downloader *Downloader
	events     notification.EventSink
	metrics    *metrics.Recorder
	logger     zerolog.Logger
	now        func() time.Time

	sideTimeout time.Duration
	wg          sync.WaitGroup
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithEvents sends side-channel events to sink.
func WithEvents(sink notification.EventSink) GateOption {
	return func(g *Gate) { g.events = sink }
}

// WithMetrics records transitions on r.
func WithMetrics(r *metrics.Recorder) GateOption {
	return func(g *Gate) { g.metrics = r }
}

// WithLogger sets the gate's logger.
func WithLogger(l zerolog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithSideEffectTimeout bounds the background cancel-otp and notification calls.
func WithSideEffectTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.sideTimeout = d }
}

func NewGate(store *SessionStore, backend Backend, catalog *Catalog, downloader *Downloader, opts ...GateOption) *Gate {
	g := &Gate{
		store:       store,
		backend:     backend,
		catalog:     catalog,
		downloader:  downloader,
		logger:      zerolog.Nop(),
		now:         time.Now,
		sideTimeout: defaultSideEffectTimeout,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func validKey(key SessionKey) error {
	if key.DoctorID == "" {
		return ErrMissingDoctor
	}
	if key.PatientID == "" {
		return ErrMissingPatient
	}
	return nil
}

// Session returns the current session for key, applying lazy expiry.
func (g *Gate) Session(key SessionKey) OtpSession {
	g.IsDownloadPermitted(key)
	return g.store.Get(key)
}

// RequestAccess asks the backend to send an OTP to the patient. On success
// the pair's session becomes REQUESTED, superseding any earlier one. On
// failure the session is left as it was.
func (g *Gate) RequestAccess(ctx context.Context, key SessionKey) (OtpSession, error) {
	if err := validKey(key); err != nil {
		return OtpSession{}, err
	}

	msg, err := g.backend.RequestOTP(ctx, key.PatientID)
	if err != nil {
		g.logger.Warn().Err(err).Str("patient_id", key.PatientID).Msg("request otp failed")
		return g.store.Get(key), err
	}

	sess, _ := g.store.SetState(key, StateRequested, g.now(), "")
	g.catalog.forget(key)
	g.metrics.OTPTransition(string(StateRequested))
	g.logger.Info().
		Str("doctor_id", key.DoctorID).
		Str("patient_id", key.PatientID).
		Str("request_id", sess.RequestID).
		Str("backend_message", msg).
		Msg("otp requested")

	g.emit(ctx, notification.Event{
		Title:             "Record access requested",
		Message:           "A doctor has requested access to your test results. Check your email for the verification code.",
		Type:              notification.TypeOTPRequested,
		RecipientID:       key.PatientID,
		RecipientType:     "PATIENT",
		RelatedEntityID:   key.PatientID,
		RelatedEntityType: "TEST_RESULT_ACCESS",
		CreatedBy:         key.DoctorID,
	})
	return sess, nil
}

// VerifyAccess checks code against the backend. On success the session
// becomes VERIFIED and the unlocked results are returned grouped by type. On
// failure the session stays REQUESTED and the backend's message is returned.
func (g *Gate) VerifyAccess(ctx context.Context, key SessionKey, code string) (OtpSession, []ResultGroup, error) {
	if err := validKey(key); err != nil {
		return OtpSession{}, nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return g.store.Get(key), nil, ErrEmptyCode
	}

	sess := g.store.Get(key)
	if sess.State != StateRequested {
		return sess, nil, ErrNoPendingRequest
	}

	results, err := g.backend.VerifyOTP(ctx, key.PatientID, code)
	if err != nil {
		g.logger.Info().Err(err).Str("patient_id", key.PatientID).Msg("otp verification rejected")
		return g.store.Get(key), nil, err
	}

	verified, err := g.store.SetState(key, StateVerified, g.now(), code, IfRequest(sess.RequestID))
	if err != nil {
		return verified, nil, err
	}
	g.catalog.remember(key, verified.RequestID, results)
	g.metrics.OTPTransition(string(StateVerified))
	g.logger.Info().
		Str("doctor_id", key.DoctorID).
		Str("patient_id", key.PatientID).
		Int("results", len(results)).
		Msg("otp verified")

	g.emit(ctx, notification.Event{
		Title:             "Record access granted",
		Message:           fmt.Sprintf("Access to your test results was granted for %s.", verified.TTL),
		Type:              notification.TypeAccessGranted,
		RecipientID:       key.PatientID,
		RecipientType:     "PATIENT",
		RelatedEntityID:   key.PatientID,
		RelatedEntityType: "TEST_RESULT_ACCESS",
		CreatedBy:         key.DoctorID,
	})
	return verified, GroupByType(results), nil
}

// CancelAccess resets the session to NONE immediately. The backend cancel
// call runs in the background and its failure is only logged.
func (g *Gate) CancelAccess(ctx context.Context, key SessionKey) OtpSession {
	prev := g.store.Get(key)
	sess := g.reset(key)
	if prev.State == StateNone {
		return sess
	}

	g.metrics.OTPTransition(string(StateCancelled))
	g.background(ctx, func(ctx context.Context) {
		if err := g.backend.CancelOTP(ctx, key.PatientID); err != nil {
			g.logger.Warn().Err(err).Str("patient_id", key.PatientID).Msg("cancel otp failed")
		}
	})
	g.emit(ctx, notification.Event{
		Title:             "Record access cancelled",
		Message:           "The pending request to access your test results was cancelled.",
		Type:              notification.TypeOTPCancelled,
		RecipientID:       key.PatientID,
		RecipientType:     "PATIENT",
		RelatedEntityID:   key.PatientID,
		RelatedEntityType: "TEST_RESULT_ACCESS",
		CreatedBy:         key.DoctorID,
	})
	return sess
}

// Dismiss resets the session to NONE without contacting the backend, as when
// the dialog is closed or another patient is selected.
func (g *Gate) Dismiss(key SessionKey) OtpSession {
	return g.reset(key)
}

func (g *Gate) reset(key SessionKey) OtpSession {
	sess, _ := g.store.SetState(key, StateNone, g.now(), "")
	g.catalog.forget(key)
	return sess
}

// IsDownloadPermitted reports whether key holds a VERIFIED session within its
// TTL. A verified session found past its TTL is marked EXPIRED.
func (g *Gate) IsDownloadPermitted(key SessionKey) bool {
	sess := g.store.Get(key)
	if sess.DownloadPermitted(g.now()) {
		return true
	}
	if sess.State == StateVerified {
		g.expire(key, sess)
	}
	return false
}

func (g *Gate) expire(key SessionKey, sess OtpSession) {
	if _, err := g.store.SetState(key, StateExpired, g.now(), "", IfRequest(sess.RequestID)); err != nil {
		return
	}
	g.catalog.forget(key)
	g.metrics.OTPTransition(string(StateExpired))
	g.logger.Info().Str("doctor_id", key.DoctorID).Str("patient_id", key.PatientID).Msg("otp access expired")
}

// DownloadTarget names the file to fetch.
type DownloadTarget struct {
	TestID int64
	// TestType selects the by-type endpoint; empty uses the single-test one.
	TestType string
	// Filename is the name to use when the server suggests none.
	Filename string
}

// Download fetches one file while the session permits it. An expired session
// fails with ErrAccessExpired without contacting the backend. A 401 or 403
// from the backend is treated as expiry and resets the session to NONE.
func (g *Gate) Download(ctx context.Context, key SessionKey, target DownloadTarget, saver Saver) (*SavedFile, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}

	sess := g.store.Get(key)
	switch {
	case sess.DownloadPermitted(g.now()):
	case sess.State == StateVerified:
		g.expire(key, sess)
		g.emitExpired(ctx, key)
		return nil, ErrAccessExpired
	case sess.State == StateExpired:
		return nil, ErrAccessExpired
	default:
		return nil, ErrAccessNotVerified
	}

	req := DownloadRequest{
		TestID:    target.TestID,
		PatientID: key.PatientID,
		TestType:  target.TestType,
		OTP:       sess.code,
	}
	saved, err := g.downloader.Download(ctx, req, target.Filename, saver)
	if err != nil {
		if apiclient.IsAuthError(err) {
			if _, rerr := g.store.SetState(key, StateNone, g.now(), "", IfRequest(sess.RequestID)); rerr == nil {
				g.catalog.forget(key)
				g.metrics.OTPTransition(string(StateNone))
				g.logger.Info().Str("patient_id", key.PatientID).Int("status", apiclient.StatusOf(err)).Msg("backend revoked access, session reset")
			}
		}
		return nil, err
	}
	return saved, nil
}

func (g *Gate) emitExpired(ctx context.Context, key SessionKey) {
	g.emit(ctx, notification.Event{
		Title:             "Record access expired",
		Message:           "Access to the patient's test results has expired.",
		Type:              notification.TypeAccessExpired,
		RecipientID:       key.DoctorID,
		RecipientType:     "DOCTOR",
		RelatedEntityID:   key.PatientID,
		RelatedEntityType: "TEST_RESULT_ACCESS",
	})
}

// ---------------------------------------------------------------------------
// Background work
// ---------------------------------------------------------------------------

func (g *Gate) emit(ctx context.Context, ev notification.Event) {
	if g.events == nil {
		return
	}
	g.background(ctx, func(ctx context.Context) {
		_ = g.events.Emit(ctx, ev)
	})
}

// background runs fn detached from ctx's cancellation but with its values,
// so a request-scoped bearer token is still available.
func (g *Gate) background(ctx context.Context, fn func(context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.sideTimeout)
		defer cancel()
		fn(bctx)
	}()
}

// Wait blocks until background cancel and notification calls have finished.
func (g *Gate) Wait() {
	g.wg.Wait()
}
