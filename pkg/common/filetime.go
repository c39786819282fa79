package common

import "time"

const (
	// Seconds between 1601-01-01 and 1970-01-01.
	filetimeEpochOffset = 11644473600
	ticksPerSecond      = 10_000_000
)

// TimeToFiletime converts t to the number of 100ns intervals since
// 1601-01-01 UTC.
func TimeToFiletime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	sec := t.Unix() + filetimeEpochOffset
	return sec*ticksPerSecond + int64(t.Nanosecond())/100
}

// FiletimeToTime is the inverse of TimeToFiletime. The result is in UTC.
func FiletimeToTime(ft int64) time.Time {
	sec := ft/ticksPerSecond - filetimeEpochOffset
	nsec := (ft % ticksPerSecond) * 100
	return time.Unix(sec, nsec).UTC()
}
