package entity

// Built-in collection names.
const (
	AppointmentBookings = "appointmentBookings"
	Patients            = "patients"
	Locations           = "locations"
	AppointmentTypes    = "appointmentTypes"
	Procedures          = "procedures"
)

var builtinOrder = []string{AppointmentBookings, Patients, Locations, AppointmentTypes, Procedures}

const appointmentBookingsQuery = `
query appointmentBookings($limit: Int!, $offset: Int!, $where: appointmentBookings_bool_exp) {
  appointmentBookings(limit: $limit, offset: $offset, where: $where) {
    id
    localStartDate
    localStartTime
    appointment {
      id
      patient {
        id
        person {
          firstName
          lastName
        }
      }
    }
  }
}`

const patientsQuery = `
query patients($limit: Int!, $offset: Int!) {
  patients(limit: $limit, offset: $offset) {
    id
    person {
      id
      firstName
      lastName
    }
  }
}`

const locationsQuery = `
query locations($limit: Int!, $offset: Int!) {
  locations(limit: $limit, offset: $offset) {
    id
    name
    address {
      city
      state
    }
  }
}`

const appointmentTypesQuery = `
query appointmentTypes($limit: Int!, $offset: Int!) {
  appointmentTypes(limit: $limit, offset: $offset) {
    id
    name
  }
}`

const proceduresQuery = `
query procedures($limit: Int!, $offset: Int!, $where: procedures_bool_exp) {
  procedures(limit: $limit, offset: $offset, where: $where) {
    id
    procedureDate
  }
}`

// Builtins returns a registry holding the standard practice collections.
// "appointments", "bookings" and "treatments" are aliases of
// appointmentBookings.
func Builtins() *Registry {
	r := NewRegistry()
	mustRegister(r, &Definition{
		Name:        AppointmentBookings,
		Description: "Appointment bookings with patient names",
		Query:       appointmentBookingsQuery,
		MarkerField: "localStartDate",
		decode:      decodeAppointmentBooking,
		kind:        KindAppointmentBooking,
	}, "appointments", "bookings", "treatments")
	mustRegister(r, &Definition{
		Name:        Patients,
		Description: "Patients",
		Query:       patientsQuery,
		decode:      decodePatient,
		kind:        KindPatient,
	})
	mustRegister(r, &Definition{
		Name:        Locations,
		Description: "Practice locations",
		Query:       locationsQuery,
		decode:      decodeLocation,
		kind:        KindLocation,
	})
	mustRegister(r, &Definition{
		Name:        AppointmentTypes,
		Description: "Appointment types",
		Query:       appointmentTypesQuery,
		decode:      decodeAppointmentType,
		kind:        KindAppointmentType,
	}, "apptypes")
	mustRegister(r, &Definition{
		Name:        Procedures,
		Description: "Performed procedures",
		Query:       proceduresQuery,
		MarkerField: "procedureDate",
		decode:      decodeProcedure,
		kind:        KindProcedure,
	})
	return r
}

func mustRegister(r *Registry, d *Definition, aliases ...string) {
	if err := r.Register(d, aliases...); err != nil {
		panic(err)
	}
}
