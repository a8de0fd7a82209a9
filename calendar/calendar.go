// Package calendar converts the jalali dates shown on the vendor dashboard to
// Gregorian dates.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"snappyar-notifier/pkg/notifier"
)

// timePhrase is the "at hour" phrase the dashboard puts between date and time.
const timePhrase = "در ساعت"

// breaks are the jalali years where the 33-year leap cycle shifts.
var breaks = [...]int{
	-61, 9, 38, 199, 426, 686, 756, 818, 1111, 1181, 1210,
	1635, 2060, 2097, 2192, 2262, 2324, 2394, 2456, 3178,
}

// JalaliToGregorian converts a dashboard date such as "1402/01/15 در ساعت 10:00"
// to "2023-4-4". Only the first whitespace-separated token is read as the date.
func JalaliToGregorian(s string) (string, error) {
	t, err := Parse(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%d-%d", t.Year(), int(t.Month()), t.Day()), nil
}

// Parse reads the date part of a dashboard date string and returns midnight
// UTC of the matching Gregorian day.
func Parse(s string) (time.Time, error) {
	cleaned := strings.TrimSpace(strings.Replace(notifier.NormalizeDigits(s), timePhrase, "", 1))
	fields := strings.Fields(cleaned)
	if len(fields) == 0 {
		return time.Time{}, fmt.Errorf("%w: empty date %q", notifier.ErrParse, s)
	}

	parts := strings.Split(fields[0], "/")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("%w: date %q is not year/month/day", notifier.ErrParse, fields[0])
	}
	var ymd [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: date part %q: %v", notifier.ErrParse, p, err)
		}
		ymd[i] = n
	}
	return ToGregorian(ymd[0], ymd[1], ymd[2])
}

// ToGregorian converts a jalali year, month and day to midnight UTC of the
// Gregorian day.
func ToGregorian(jy, jm, jd int) (time.Time, error) {
	c, err := jalCal(jy)
	if err != nil {
		return time.Time{}, err
	}
	if jm < 1 || jm > 12 {
		return time.Time{}, fmt.Errorf("%w: month %d out of range", notifier.ErrParse, jm)
	}
	if jd < 1 || jd > monthLength(jm, c.leap) {
		return time.Time{}, fmt.Errorf("%w: day %d out of range for month %d", notifier.ErrParse, jd, jm)
	}

	// Farvardin 1 falls on March c.march; months 1-6 have 31 days, 7-11 have 30.
	offset := (jm-1)*31 - (jm/7)*(jm-7) + jd - 1
	return time.Date(c.gy, time.March, c.march, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset), nil
}

// IsLeap reports whether jy is a jalali leap year.
func IsLeap(jy int) (bool, error) {
	c, err := jalCal(jy)
	if err != nil {
		return false, err
	}
	return c.leap, nil
}

type cycle struct {
	gy    int
	march int
	leap  bool
}

func jalCal(jy int) (cycle, error) {
	if jy < breaks[0] || jy >= breaks[len(breaks)-1] {
		return cycle{}, fmt.Errorf("%w: year %d outside supported range", notifier.ErrParse, jy)
	}

	gy := jy + 621
	leapJ := -14
	jp := breaks[0]
	jump := 0
	for _, jm := range breaks[1:] {
		jump = jm - jp
		if jy < jm {
			break
		}
		leapJ += jump/33*8 + jump%33/4
		jp = jm
	}
	n := jy - jp
	leapJ += n/33*8 + (n%33+3)/4
	if jump%33 == 4 && jump-n == 4 {
		leapJ++
	}
	leapG := gy/4 - (gy/100+1)*3/4 - 150
	march := 20 + leapJ - leapG

	if jump-n < 6 {
		n = n - jump + (jump+4)/33*33
	}
	leap := ((n+1)%33-1)%4
	if leap == -1 {
		leap = 4
	}
	return cycle{gy: gy, march: march, leap: leap == 0}, nil
}

func monthLength(jm int, leap bool) int {
	switch {
	case jm <= 6:
		return 31
	case jm <= 11:
		return 30
	case leap:
		return 30
	default:
		return 29
	}
}
