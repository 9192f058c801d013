package scheduling

// FindConflicts returns the non-cancelled bookings of providerID that overlap
// proposed, in their input order. excludeID, when set, is left out so an
// appointment can be checked against its own old slot while rescheduling.
// An empty providerID checks against every booking.
func FindConflicts(proposed TimeInterval, providerID string, existing []Booking, excludeID string) ([]Booking, error) {
	if err := proposed.Validate(); err != nil {
		return nil, err
	}

	conflicts := make([]Booking, 0)
	for _, b := range existing {
		if !b.Status.Blocks() {
			continue
		}
		if excludeID != "" && b.ID == excludeID {
			continue
		}
		if providerID != "" && b.ProviderID != "" && b.ProviderID != providerID {
			continue
		}
		if err := b.Interval.Validate(); err != nil {
			return nil, err
		}
		if Overlaps(proposed, b.Interval) {
			conflicts = append(conflicts, b)
		}
	}
	return conflicts, nil
}

// HasConflict is FindConflicts reduced to a yes/no answer.
func HasConflict(proposed TimeInterval, providerID string, existing []Booking, excludeID string) (bool, error) {
	conflicts, err := FindConflicts(proposed, providerID, existing, excludeID)
	if err != nil {
		return false, err
	}
	return len(conflicts) > 0, nil
}
