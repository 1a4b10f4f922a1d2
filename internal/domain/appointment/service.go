// Package appointment cancels appointments on behalf of a doctor or patient
// and tells the other party through the notification side channel.
package appointment

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/apiclient"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/notification"
)

var (
	ErrInvalidID   = errors.New("appointment id must be positive")
	ErrUnknownRole = errors.New("role must be PATIENT or DOCTOR")
)

const pathAppointments = "/api/appointments"

// Service talks to the appointment endpoints of the backend.
type Service struct {
	client *apiclient.Client
	events notification.EventSink
	logger zerolog.Logger
}

// NewService creates a Service. events may be nil, in which case no
// notification is sent.
func NewService(client *apiclient.Client, events notification.EventSink, logger zerolog.Logger) *Service {
	return &Service{client: client, events: events, logger: logger}
}

// List returns the caller's appointments.
func (s *Service) List(ctx context.Context) ([]Appointment, error) {
	var out []Appointment
	err := s.client.Do(ctx, apiclient.Request{
		Method:       http.MethodGet,
		Path:         pathAppointments + "/my-appointments",
		ErrorMessage: "Failed to load appointments",
	}, &out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Appointment{}
	}
	return out, nil
}

// Cancel cancels appointment id as role by. Once the backend has accepted the
// cancellation, the other party is notified; a failed notification does not
// fail the cancellation.
func (s *Service) Cancel(ctx context.Context, id int64, by Role, reason string) (*Appointment, error) {
	if id <= 0 {
		return nil, ErrInvalidID
	}
	if by != RolePatient && by != RoleDoctor {
		return nil, ErrUnknownRole
	}

	var appt Appointment
	err := s.client.Do(ctx, apiclient.Request{
		Method:       http.MethodPut,
		Path:         pathAppointments + "/" + strconv.FormatInt(id, 10) + "/cancel",
		JSON:         map[string]string{"cancellationReason": reason},
		ErrorMessage: "Failed to cancel appointment",
	}, &appt)
	if err != nil {
		return nil, err
	}
	if appt.AppointmentID == 0 {
		appt.AppointmentID = id
	}
	s.logger.Info().Int64("appointment_id", id).Str("by", string(by)).Msg("appointment cancelled")

	s.notifyCancelled(ctx, appt, by)
	return &appt, nil
}

func (s *Service) notifyCancelled(ctx context.Context, appt Appointment, by Role) {
	if s.events == nil {
		return
	}
	id := strconv.FormatInt(appt.AppointmentID, 10)
	err := s.events.Emit(ctx, notification.Event{
		Title:             "Appointment Cancelled",
		Message:           appt.CancellationMessage(by),
		Type:              notification.TypeAppointmentCancelled,
		AppointmentID:     id,
		RecipientID:       appt.RecipientOf(by),
		RecipientType:     string(by.Counterpart()),
		RelatedEntityID:   id,
		RelatedEntityType: "APPOINTMENT",
		CreatedBy:         string(by),
	})
	if err != nil {
		s.logger.Warn().Err(err).Int64("appointment_id", appt.AppointmentID).Msg("cancellation notification failed")
	}
}
