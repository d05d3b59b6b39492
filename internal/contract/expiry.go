package contract

import "time"

// FrontMonthExpiry returns the front quarterly expiry in YYYYMM format.
// Index futures expire on the 3rd Friday of Mar, Jun, Sep, Dec.
func FrontMonthExpiry(now time.Time) string {
	year := now.Year()
	month := now.Month()

	quarterlyMonths := []time.Month{3, 6, 9, 12}
	for _, qm := range quarterlyMonths {
		if month <= qm {
			thirdFriday := ThirdFriday(year, qm)
			if now.Before(thirdFriday) {
				return formatExpiry(year, qm, "200601")
			}
		}
	}

	// Roll to next year's March
	return formatExpiry(year+1, 3, "200601")
}

// NextMonthlyOptionExpiry returns the next standard monthly option expiry
// (3rd Friday) in YYYYMMDD format.
func NextMonthlyOptionExpiry(now time.Time) string {
	year, month := now.Year(), now.Month()
	for i := 0; i < 13; i++ {
		tf := ThirdFriday(year, month)
		if now.Before(tf) {
			return tf.Format("20060102")
		}
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
	return ThirdFriday(year, month).Format("20060102")
}

// ThirdFriday returns midnight UTC on the 3rd Friday of the given month.
func ThirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	daysUntilFriday := (time.Friday - first.Weekday() + 7) % 7
	firstFriday := first.AddDate(0, 0, int(daysUntilFriday))
	return firstFriday.AddDate(0, 0, 14)
}

func formatExpiry(year int, month time.Month, layout string) string {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Format(layout)
}
