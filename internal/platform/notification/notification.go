// Package notification is the best-effort side channel of the portal client.
// Events describing OTP and appointment activity are pushed to the backend's
// notification endpoints; when none of them accepts the event it is appended
// to a local fallback log instead. Either way the outcome is broadcast on the
// in-process event bus so that other open UI surfaces can refresh. Nothing in
// this package ever fails the user action that produced the event.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/apiclient"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/metrics"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/websocket"
)

// ---------------------------------------------------------------------------
// Event Types
// ---------------------------------------------------------------------------

const (
	TypeOTPRequested         = "OTP_REQUESTED"
	TypeAccessGranted        = "OTP_ACCESS_GRANTED"
	TypeOTPCancelled         = "OTP_CANCELLED"
	TypeAccessExpired        = "OTP_ACCESS_EXPIRED"
	TypeAppointmentCancelled = "APPOINTMENT_CANCELLED"
)

// Bus event names, as seen by UI surfaces subscribed to TopicNotifications.
const (
	BusNotificationCreated         = "notificationCreated"
	BusFallbackNotificationCreated = "fallbackNotificationCreated"
)

// TopicNotifications is the event bus topic all side-channel events go to.
const TopicNotifications = "notifications"

// ---------------------------------------------------------------------------
// Event
// ---------------------------------------------------------------------------

// Event is one side-channel notification.
type Event struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Message           string    `json:"message"`
	Type              string    `json:"type"`
	Timestamp         time.Time `json:"timestamp"`
	IsRead            bool      `json:"isRead"`
	AppointmentID     string    `json:"appointmentId,omitempty"`
	RecipientID       string    `json:"recipientId,omitempty"`
	RecipientType     string    `json:"recipientType,omitempty"`
	RelatedEntityID   string    `json:"relatedEntityId,omitempty"`
	RelatedEntityType string    `json:"relatedEntityType,omitempty"`
	CreatedBy         string    `json:"createdBy,omitempty"`
}

func (e Event) withDefaults(now time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	return e
}

// FallbackRecord is the persisted shape of an event in the fallback log.
type FallbackRecord struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	IsRead        bool      `json:"isRead"`
	AppointmentID string    `json:"appointmentId,omitempty"`
}

func (e Event) record() FallbackRecord {
	return FallbackRecord{
		ID:            e.ID,
		Title:         e.Title,
		Message:       e.Message,
		Type:          e.Type,
		Timestamp:     e.Timestamp,
		IsRead:        e.IsRead,
		AppointmentID: e.AppointmentID,
	}
}

// EventSink accepts side-channel events.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// ---------------------------------------------------------------------------
// Remote sink
// ---------------------------------------------------------------------------

// ErrNoEndpointAccepted is returned when every configured endpoint rejected
// the event or could not be reached.
var ErrNoEndpointAccepted = errors.New("no notification endpoint accepted the event")

// RemoteSink creates the notification record on the backend. Endpoints are
// tried in order and the first 2xx answer wins.
type RemoteSink struct {
	client    *apiclient.Client
	endpoints []string
	logger    zerolog.Logger
}

// NewRemoteSink creates a RemoteSink posting to endpoints (paths relative to
// the client's base URL).
func NewRemoteSink(client *apiclient.Client, endpoints []string, logger zerolog.Logger) *RemoteSink {
	return &RemoteSink{client: client, endpoints: endpoints, logger: logger}
}

type remotePayload struct {
	Title             string `json:"title"`
	Message           string `json:"message"`
	Type              string `json:"type"`
	RecipientID       string `json:"recipientId,omitempty"`
	RecipientType     string `json:"recipientType,omitempty"`
	RelatedEntityID   string `json:"relatedEntityId,omitempty"`
	RelatedEntityType string `json:"relatedEntityType,omitempty"`
	CreatedBy         string `json:"createdBy,omitempty"`
}

// Emit posts ev to each endpoint until one accepts it.
func (s *RemoteSink) Emit(ctx context.Context, ev Event) error {
	payload := remotePayload{
		Title:             ev.Title,
		Message:           ev.Message,
		Type:              ev.Type,
		RecipientID:       ev.RecipientID,
		RecipientType:     ev.RecipientType,
		RelatedEntityID:   ev.RelatedEntityID,
		RelatedEntityType: ev.RelatedEntityType,
		CreatedBy:         ev.CreatedBy,
	}

	var lastErr error
	for _, endpoint := range s.endpoints {
		err := s.client.Do(ctx, apiclient.Request{
			Method: http.MethodPost,
			Path:   endpoint,
			JSON:   payload,
		}, nil)
		if err == nil {
			s.logger.Debug().Str("endpoint", endpoint).Str("type", ev.Type).Msg("notification created")
			return nil
		}
		// Auth failures will not improve on another endpoint.
		if errors.Is(err, apiclient.ErrNotLoggedIn) {
			return err
		}
		s.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("notification endpoint rejected event")
		lastErr = err
	}
	if lastErr == nil {
		return ErrNoEndpointAccepted
	}
	return fmt.Errorf("%w: %v", ErrNoEndpointAccepted, lastErr)
}

// ---------------------------------------------------------------------------
// Fallback sink
// ---------------------------------------------------------------------------

// FallbackLog is append-only persistent storage for events that could not be
// delivered remotely.
type FallbackLog interface {
	Append(ctx context.Context, rec FallbackRecord) error
}

// FallbackSink writes events to a FallbackLog and announces them on the bus.
type FallbackSink struct {
	log FallbackLog
	bus websocket.EventPublisher
}

// NewFallbackSink creates a FallbackSink. bus may be nil.
func NewFallbackSink(log FallbackLog, bus websocket.EventPublisher) *FallbackSink {
	return &FallbackSink{log: log, bus: bus}
}

// Emit appends ev to the fallback log and publishes
// BusFallbackNotificationCreated.
func (s *FallbackSink) Emit(ctx context.Context, ev Event) error {
	if err := s.log.Append(ctx, ev.record()); err != nil {
		return fmt.Errorf("append fallback notification: %w", err)
	}
	publish(ctx, s.bus, BusFallbackNotificationCreated, ev)
	return nil
}

func publish(ctx context.Context, bus websocket.EventPublisher, name string, ev Event) {
	if bus == nil {
		return
	}
	_ = bus.Publish(ctx, websocket.NewEvent(name, TopicNotifications, ev.RelatedEntityID, ev))
}

// ---------------------------------------------------------------------------
// Composite sink
// ---------------------------------------------------------------------------

// CompositeSink tries the primary sink and silently degrades to the fallback.
// Emit never returns an error.
type CompositeSink struct {
	primary  EventSink
	fallback EventSink
	bus      websocket.EventPublisher
	logger   zerolog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// CompositeOption configures a CompositeSink.
type CompositeOption func(*CompositeSink)

// WithMetrics records delivery outcomes on r.
func WithMetrics(r *metrics.Recorder) CompositeOption {
	return func(s *CompositeSink) { s.metrics = r }
}

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) CompositeOption {
	return func(s *CompositeSink) { s.now = now }
}

// NewCompositeSink combines primary and fallback. bus may be nil.
func NewCompositeSink(primary, fallback EventSink, bus websocket.EventPublisher, logger zerolog.Logger, opts ...CompositeOption) *CompositeSink {
	s := &CompositeSink{
		primary:  primary,
		fallback: fallback,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Emit delivers ev through the primary sink, falling back when it fails.
func (s *CompositeSink) Emit(ctx context.Context, ev Event) error {
	ev = ev.withDefaults(s.now())

	err := s.primary.Emit(ctx, ev)
	if err == nil {
		s.metrics.NotificationDelivered("remote")
		publish(ctx, s.bus, BusNotificationCreated, ev)
		return nil
	}
	s.logger.Warn().Err(err).Str("type", ev.Type).Msg("remote notification failed, using fallback")

	if ferr := s.fallback.Emit(ctx, ev); ferr != nil {
		s.metrics.NotificationDelivered("dropped")
		s.logger.Error().Err(ferr).Str("type", ev.Type).Str("id", ev.ID).Msg("fallback notification failed")
		return nil
	}
	s.metrics.NotificationDelivered("fallback")
	return nil
}
