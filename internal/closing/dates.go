package closing

import "time"

// ExpandDates returns one Queued unit per calendar day in [start, end].
func ExpandDates(start, end time.Time) ([]DayUnit, error) {
	from := truncateDate(start)
	to := truncateDate(end)
	if to.Before(from) {
		return nil, &InvalidRangeError{Start: from, End: to}
	}
	days := int(to.Sub(from).Hours()/24) + 1
	units := make([]DayUnit, 0, days)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		units = append(units, DayUnit{ProcessingDate: d, Status: StatusQueued})
	}
	return units, nil
}
