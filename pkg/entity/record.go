package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingID is returned when a record has no usable identifier.
var ErrMissingID = errors.New("record has no id")

// Kind tags the concrete variant carried by a Record.
type Kind string

const (
	KindAppointmentBooking Kind = "appointmentBooking"
	KindPatient            Kind = "patient"
	KindLocation           Kind = "location"
	KindAppointmentType    Kind = "appointmentType"
	KindProcedure          Kind = "procedure"
	KindGeneric            Kind = "generic"
)

// Record is one parsed element of a page. It is never mutated after decoding.
type Record struct {
	Entity string
	Kind   Kind
	ID     string
	// Marker is an orderable field (usually a date) used for low/high
	// progress markers. Empty when the entity has none.
	Marker  string
	Payload json.RawMessage
	// Value holds the typed variant (*AppointmentBooking, *Patient, ...).
	Value any
}

// FlexID accepts identifiers encoded as JSON strings or numbers.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", string(b))
	}
	*f = FlexID(n.String())
	return nil
}

// Person is the shared name block of patients and bookings.
type Person struct {
	ID        FlexID `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// FullName joins first and last name, or returns "" when both are empty.
func (p *Person) FullName() string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// AppointmentBooking is a scheduled slot for a patient appointment.
type AppointmentBooking struct {
	ID             FlexID `json:"id"`
	LocalStartDate string `json:"localStartDate"`
	LocalStartTime string `json:"localStartTime"`
	Appointment    *struct {
		ID      FlexID `json:"id"`
		Patient *struct {
			ID     FlexID  `json:"id"`
			Person *Person `json:"person"`
		} `json:"patient"`
	} `json:"appointment"`
}

// PatientID returns the nested patient id or "".
func (a *AppointmentBooking) PatientID() string {
	if a.Appointment == nil || a.Appointment.Patient == nil {
		return ""
	}
	return string(a.Appointment.Patient.ID)
}

// PatientName returns the nested patient name or "".
func (a *AppointmentBooking) PatientName() string {
	if a.Appointment == nil || a.Appointment.Patient == nil {
		return ""
	}
	return a.Appointment.Patient.Person.FullName()
}

// Patient is a practice patient.
type Patient struct {
	ID     FlexID  `json:"id"`
	Person *Person `json:"person"`
}

// Location is a practice location.
type Location struct {
	ID      FlexID `json:"id"`
	Name    string `json:"name"`
	Address *struct {
		City  string `json:"city"`
		State string `json:"state"`
	} `json:"address"`
}

// AppointmentType is a configured appointment category.
type AppointmentType struct {
	ID   FlexID `json:"id"`
	Name string `json:"name"`
}

// Procedure is a performed procedure.
type Procedure struct {
	ID            FlexID `json:"id"`
	ProcedureDate string `json:"procedureDate"`
}

// decodeFunc parses one raw element into its variant and extracts id and marker.
type decodeFunc func(raw json.RawMessage) (value any, id, marker string, err error)

func decodeAppointmentBooking(raw json.RawMessage) (any, string, string, error) {
	var v AppointmentBooking
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, "", "", err
	}
	return &v, string(v.ID), v.LocalStartDate, nil
}

func decodePatient(raw json.RawMessage) (any, string, string, error) {
	var v Patient
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, "", "", err
	}
	return &v, string(v.ID), "", nil
}

func decodeLocation(raw json.RawMessage) (any, string, string, error) {
	var v Location
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, "", "", err
	}
	return &v, string(v.ID), "", nil
}

func decodeAppointmentType(raw json.RawMessage) (any, string, string, error) {
	var v AppointmentType
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, "", "", err
	}
	return &v, string(v.ID), "", nil
}

func decodeProcedure(raw json.RawMessage) (any, string, string, error) {
	var v Procedure
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, "", "", err
	}
	return &v, string(v.ID), v.ProcedureDate, nil
}

// genericDecoder resolves id and marker through dotted field paths.
func genericDecoder(idPath, markerPath string) decodeFunc {
	return func(raw json.RawMessage) (any, string, string, error) {
		var v map[string]any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, "", "", err
		}
		id := scalarAt(v, idPath)
		var marker string
		if markerPath != "" {
			marker = scalarAt(v, markerPath)
		}
		return v, id, marker, nil
	}
}

// scalarAt walks a dotted path and renders the scalar found there.
// Missing paths and non-scalar values yield "".
func scalarAt(v map[string]any, path string) string {
	var cur any = v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	switch x := cur.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}
