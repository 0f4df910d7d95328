package models

import "time"

type State string

const (
	StateScanned        State = "SCANNED"
	StateWaiting        State = "WAITING"
	StateUrgent         State = "URGENT"
	StateCalled         State = "CALLED"
	StateInConsultation State = "IN_CONSULTATION"
	StateCompleted      State = "COMPLETED"
	StateNoShow         State = "NO_SHOW"
)

// States lists every lifecycle state in declaration order.
var States = []State{
	StateScanned,
	StateWaiting,
	StateUrgent,
	StateCalled,
	StateInConsultation,
	StateCompleted,
	StateNoShow,
}

func (s State) Valid() bool {
	for _, state := range States {
		if state == s {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateNoShow
}

type Priority string

const (
	PriorityNormal Priority = "NORMAL"
	PriorityUrgent Priority = "URGENT"
)

type Visit struct {
	ID                    string     `json:"id"`
	DepartmentID          string     `json:"department_id"`
	TokenNumber           string     `json:"token_number"`
	PatientName           string     `json:"patient_name"`
	Age                   int        `json:"age"`
	Symptoms              []string   `json:"symptoms"`
	PatientSessionID      string     `json:"patient_session_id"`
	RestoreTokenHash      string     `json:"-"`
	State                 State      `json:"state"`
	Priority              Priority   `json:"priority"`
	DoctorID              *string    `json:"doctor_id,omitempty"`
	PrescriptionText      *string    `json:"prescription_text,omitempty"`
	Version               int64      `json:"version"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	CalledAt              *time.Time `json:"called_at,omitempty"`
	ConsultationStartedAt *time.Time `json:"consultation_started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	NoShowAt              *time.Time `json:"no_show_at,omitempty"`
}

// Clone returns a deep copy so stores and callers never share slices or pointers.
func (v Visit) Clone() Visit {
	out := v
	if v.Symptoms != nil {
		out.Symptoms = append([]string(nil), v.Symptoms...)
	}
	out.DoctorID = cloneString(v.DoctorID)
	out.PrescriptionText = cloneString(v.PrescriptionText)
	out.CalledAt = cloneTime(v.CalledAt)
	out.ConsultationStartedAt = cloneTime(v.ConsultationStartedAt)
	out.CompletedAt = cloneTime(v.CompletedAt)
	out.NoShowAt = cloneTime(v.NoShowAt)
	return out
}

func (v Visit) Active() bool {
	return v.State == StateCalled || v.State == StateInConsultation
}

type Role string

const (
	RoleDoctor  Role = "DOCTOR"
	RoleNurse   Role = "NURSE"
	RoleAdmin   Role = "ADMIN"
	RolePatient Role = "PATIENT"
	RoleSystem  Role = "SYSTEM"
)

type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

var SystemActor = Actor{UserID: "system", Role: RoleSystem}

type QueueSnapshot struct {
	DepartmentID string    `json:"department_id"`
	NowServing   *string   `json:"now_serving,omitempty"`
	Serving      []string  `json:"serving"`
	Visits       []Visit   `json:"visits"`
	Revision     int64     `json:"revision"`
	GeneratedAt  time.Time `json:"generated_at"`
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}
