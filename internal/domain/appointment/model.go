package appointment

import (
	"strings"
)

type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// Role is the party acting on an appointment.
type Role string

const (
	RolePatient Role = "PATIENT"
	RoleDoctor  Role = "DOCTOR"
)

// ParseRole accepts "patient", "ROLE_DOCTOR" and similar spellings.
func ParseRole(s string) (Role, bool) {
	switch strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(s), "ROLE_")) {
	case "PATIENT":
		return RolePatient, true
	case "DOCTOR":
		return RoleDoctor, true
	}
	return "", false
}

// Counterpart returns the other party of an appointment.
func (r Role) Counterpart() Role {
	if r == RolePatient {
		return RoleDoctor
	}
	return RolePatient
}

// Appointment mirrors the backend's appointment response. Dates are kept as
// the backend formats them.
type Appointment struct {
	AppointmentID        int64  `json:"appointmentId"`
	PatientID            string `json:"patientId"`
	PatientName          string `json:"patientName"`
	DoctorID             string `json:"doctorId"`
	DoctorName           string `json:"doctorName"`
	DoctorSpecialization string `json:"doctorSpecialization,omitempty"`
	AppointmentDate      string `json:"appointmentDate"`
	Status               Status `json:"status"`
	PaymentStatus        string `json:"paymentStatus,omitempty"`
	Reason               string `json:"reason,omitempty"`
	Notes                string `json:"notes,omitempty"`
	CreatedAt            string `json:"createdAt,omitempty"`
	UpdatedAt            string `json:"updatedAt,omitempty"`
	CancelledBy          string `json:"cancelledBy,omitempty"`
	CancelledByName      string `json:"cancelledByName,omitempty"`
	CancelledByRole      Role   `json:"cancelledByRole,omitempty"`
	CancellationReason   string `json:"cancellationReason,omitempty"`
}

// RecipientOf returns the id of the party to notify when by acts on a.
func (a Appointment) RecipientOf(by Role) string {
	if by == RolePatient {
		return a.DoctorID
	}
	return a.PatientID
}

// CancellationMessage is the notification text shown to the other party.
func (a Appointment) CancellationMessage(by Role) string {
	if by == RolePatient {
		return "Patient " + a.PatientName + " has cancelled their appointment"
	}
	return "Dr. " + a.DoctorName + " has cancelled the appointment"
}
