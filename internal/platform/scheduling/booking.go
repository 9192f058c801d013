package scheduling

// BookingStatus is the lifecycle state of an appointment.
type BookingStatus string

const (
	StatusScheduled BookingStatus = "scheduled"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCompleted BookingStatus = "completed"
	StatusCancelled BookingStatus = "cancelled"
	StatusNoShow    BookingStatus = "no_show"
)

var validStatuses = map[BookingStatus]bool{
	StatusScheduled: true,
	StatusConfirmed: true,
	StatusCompleted: true,
	StatusCancelled: true,
	StatusNoShow:    true,
}

// Valid reports whether s is a known status.
func (s BookingStatus) Valid() bool {
	return validStatuses[s]
}

// Blocks reports whether a booking in this status occupies provider time.
// Cancelled bookings never do.
func (s BookingStatus) Blocks() bool {
	return s != StatusCancelled
}

// Booking is an existing appointment as seen by the engine.
type Booking struct {
	ID         string        `json:"id"`
	ProviderID string        `json:"provider_id"`
	Interval   TimeInterval  `json:"interval"`
	Status     BookingStatus `json:"status"`
}

// activeIntervals validates the bookings and returns the intervals of those
// that block time for providerID, sorted by start. An empty providerID
// matches every booking.
func activeIntervals(bookings []Booking, providerID string) ([]TimeInterval, error) {
	out := make([]TimeInterval, 0, len(bookings))
	for _, b := range bookings {
		if !b.Status.Blocks() {
			continue
		}
		if providerID != "" && b.ProviderID != "" && b.ProviderID != providerID {
			continue
		}
		if err := b.Interval.Validate(); err != nil {
			return nil, err
		}
		out = append(out, b.Interval)
	}
	sortIntervals(out)
	return out, nil
}
