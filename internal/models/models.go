package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Role string

const (
	RoleReporter  Role = "reporter"
	RoleResponder Role = "responder"
)

// ParseRole accepts "user" as an alias of reporter.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reporter", "user":
		return RoleReporter, nil
	case "responder":
		return RoleResponder, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusResolved   Status = "resolved"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusDispatched, StatusResolved:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate reports whether c is a finite coordinate inside the WGS84 bounds.
func (c Coord) Validate() error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90,90]", c.Lat)
	}
	if math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) || c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180,180]", c.Lng)
	}
	return nil
}

// CoordInput is the wire shape of a coordinate. Both fields or neither.
type CoordInput struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// Coord returns ok=false when neither field is set.
func (in CoordInput) Coord() (Coord, bool, error) {
	switch {
	case in.Lat == nil && in.Lng == nil:
		return Coord{}, false, nil
	case in.Lat == nil || in.Lng == nil:
		return Coord{}, false, fmt.Errorf("coordinate must carry both lat and lng")
	}
	c := Coord{Lat: *in.Lat, Lng: *in.Lng}
	if err := c.Validate(); err != nil {
		return Coord{}, false, err
	}
	return c, true, nil
}

type User struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	PhoneNumber string    `json:"phone_number"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

type MedicalProfile struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	BloodType         string    `json:"blood_type,omitempty"`
	Conditions        []string  `json:"conditions"`
	Allergies         []string  `json:"allergies"`
	Medications       []string  `json:"medications"`
	EmergencyContacts []string  `json:"emergency_contacts"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type LocationSample struct {
	UserID    string    `json:"user_id"`
	Loc       Coord     `json:"loc"`
	UpdatedAt time.Time `json:"updated_at"`
}

type EmergencyRecord struct {
	ID               string    `json:"id"`
	ReporterID       string    `json:"reporter_id"`
	Loc              Coord     `json:"loc"`
	Status           Status    `json:"status"`
	ResponderNote    string    `json:"responder_note,omitempty"`
	MedicalProfileID string    `json:"medical_profile_id,omitempty"`
	ResponderID      string    `json:"responder_id,omitempty"`
	HospitalID       string    `json:"hospital_id,omitempty"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// EmergencyDetail is a record with its reporter and medical profile resolved.
type EmergencyDetail struct {
	EmergencyRecord
	Reporter       *User           `json:"reporter,omitempty"`
	MedicalProfile *MedicalProfile `json:"medical_profile,omitempty"`
}

type Candidate struct {
	ID             string  `json:"id"`
	DistanceMeters float64 `json:"distance_meters"`
}

type Hospital struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Address             string   `json:"address,omitempty"`
	Contact             string   `json:"contact,omitempty"`
	Loc                 Coord    `json:"loc"`
	Specialties         []string `json:"specialties,omitempty"`
	BedsAvailable       int      `json:"beds_available"`
	AmbulancesAvailable int      `json:"ambulances_available"`
	EmergencyCapacity   int      `json:"emergency_capacity"`
	DistanceMeters      float64  `json:"distance_meters,omitempty"`
}

type EventType string

const (
	EventEmergencyCreated EventType = "emergency.created"
	EventStatusChanged    EventType = "emergency.status_changed"
	EventPendingReminder  EventType = "emergency.pending_reminder"
)

// Event is what the fan-out pushes to subscribers. Version is the record
// version the event was produced from; subscribers drop older versions.
type Event struct {
	Type         EventType `json:"type"`
	RecordID     string    `json:"record_id"`
	ReporterID   string    `json:"reporter_id"`
	OldStatus    Status    `json:"old_status,omitempty"`
	NewStatus    Status    `json:"new_status"`
	Note         string    `json:"note,omitempty"`
	Loc          Coord     `json:"loc"`
	CandidateIDs []string  `json:"candidate_ids"`
	Version      int64     `json:"version"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
