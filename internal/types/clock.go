package types

import "time"

// The gateway timestamps everything in South African time. All date
// arithmetic (proration day counts, run-date comparisons, request header
// timestamps) must happen in this zone or amounts drift by a day around
// midnight UTC.
var gatewayLocation = loadGatewayLocation()

func loadGatewayLocation() *time.Location {
	loc, err := time.LoadLocation("Africa/Johannesburg")
	if err != nil {
		// No tzdata on the host. SAST has no daylight saving, so a fixed
		// offset is an exact substitute.
		return time.FixedZone("SAST", 2*60*60)
	}
	return loc
}

// GatewayLocation returns the gateway's fixed timezone.
func GatewayLocation() *time.Location {
	return gatewayLocation
}

// GatewayNow returns the current time in the gateway's timezone.
func GatewayNow() time.Time {
	return time.Now().In(gatewayLocation)
}

// GatewayDate truncates t to a date (midnight) in the gateway's timezone.
func GatewayDate(t time.Time) time.Time {
	y, m, d := t.In(gatewayLocation).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, gatewayLocation)
}

// NormalizeToGateway converts t into the gateway's timezone. Naive values
// parsed from gateway payloads must be parsed with ParseInLocation against
// GatewayLocation() before reaching this point.
func NormalizeToGateway(t time.Time) time.Time {
	return t.In(gatewayLocation)
}

// DaysBetween returns the whole-day difference end−start, both truncated to
// dates in the gateway timezone.
func DaysBetween(start, end time.Time) int {
	s := GatewayDate(start)
	e := GatewayDate(end)
	return int(e.Sub(s).Hours() / 24)
}
