package recordaccess

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSuperseded is returned by a guarded transition when the session it was
// meant for has been replaced or reset in the meantime.
var ErrSuperseded = errors.New("session was replaced by a newer request")

// SessionStore holds at most one session per (doctor, patient) pair.
// SetState is its only mutation entry point.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[SessionKey]*OtpSession
	ttl      time.Duration
}

// NewSessionStore creates a store whose verified sessions last ttl.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SessionStore{
		sessions: make(map[SessionKey]*OtpSession),
		ttl:      ttl,
	}
}

// TTL returns the verified-session validity window.
func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}

// Get returns a copy of the session for key. A pair with no session reads as
// StateNone.
func (s *SessionStore) Get(key SessionKey) OtpSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *SessionStore) getLocked(key SessionKey) OtpSession {
	if sess, ok := s.sessions[key]; ok {
		return *sess
	}
	return OtpSession{DoctorID: key.DoctorID, PatientID: key.PatientID, State: StateNone, TTL: s.ttl}
}

// Len returns the number of pairs with a session other than NONE.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SetOption refines a SetState call.
type SetOption func(*setOptions)

type setOptions struct {
	requestID string
}

// IfRequest applies the transition only while the session still carries
// requestID; otherwise SetState returns ErrSuperseded.
func IfRequest(requestID string) SetOption {
	return func(o *setOptions) { o.requestID = requestID }
}

// SetState moves the session for key to state at time at.
//
//   - NONE drops the session.
//   - REQUESTED starts a fresh session with a new RequestID, superseding any
//     previous one for the pair.
//   - VERIFIED records at as the verification time and keeps code for
//     downloads.
//   - CANCELLED and EXPIRED clear the code and keep the session until the
//     next reset.
func (s *SessionStore) SetState(key SessionKey, state State, at time.Time, code string, opts ...SetOption) (OtpSession, error) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if o.requestID != "" {
		cur, ok := s.sessions[key]
		if !ok || cur.RequestID != o.requestID {
			return s.getLocked(key), ErrSuperseded
		}
	}

	switch state {
	case StateNone:
		delete(s.sessions, key)
		return s.getLocked(key), nil

	case StateRequested:
		requestedAt := at
		s.sessions[key] = &OtpSession{
			DoctorID:    key.DoctorID,
			PatientID:   key.PatientID,
			State:       StateRequested,
			RequestID:   uuid.New().String(),
			RequestedAt: &requestedAt,
			TTL:         s.ttl,
		}

	default:
		sess, ok := s.sessions[key]
		if !ok {
			sess = &OtpSession{
				DoctorID:  key.DoctorID,
				PatientID: key.PatientID,
				RequestID: uuid.New().String(),
				TTL:       s.ttl,
			}
			s.sessions[key] = sess
		}
		sess.State = state
		if state == StateVerified {
			verifiedAt := at
			sess.VerifiedAt = &verifiedAt
			sess.code = code
		} else {
			sess.code = ""
		}
	}
	return *s.sessions[key], nil
}
