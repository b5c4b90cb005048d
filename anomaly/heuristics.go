package anomaly

import (
	"math"
	"strconv"
	"time"
)

const (
	earthRadiusKm     = 6371.0
	maxTravelSpeedKmh = 1000.0
)

// recent returns the events no older than d before the newest event. events
// must be sorted by Timestamp.
func recent(events []Event, d time.Duration) []Event {
	if len(events) == 0 {
		return nil
	}
	cutoff := events[len(events)-1].Timestamp.Add(-d)
	i := len(events)
	for i > 0 && !events[i-1].Timestamp.Before(cutoff) {
		i--
	}
	return events[i:]
}

func countTypes(events []Event, types ...EventType) int {
	n := 0
	for _, e := range events {
		for _, t := range types {
			if e.Type == t {
				n++
				break
			}
		}
	}
	return n
}

func distinctMeta(events []Event, typ EventType, key string) int {
	seen := make(map[string]struct{})
	for _, e := range events {
		if e.Type != typ {
			continue
		}
		if v := e.Metadata[key]; v != "" {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}

// RapidLoginAttempts fires on more than 5 failed logins within 5 minutes.
func RapidLoginAttempts(events []Event) (bool, error) {
	return countTypes(recent(events, 5*time.Minute), EventLoginFailed) > 5, nil
}

// CredentialStuffing fires when one IP fails logins for more than 10
// distinct usernames within 10 minutes.
func CredentialStuffing(events []Event) (bool, error) {
	perIP := make(map[string]map[string]struct{})
	for _, e := range recent(events, 10*time.Minute) {
		if e.Type != EventLoginFailed || e.Metadata[MetaUsername] == "" {
			continue
		}
		users, ok := perIP[e.IPAddress]
		if !ok {
			users = make(map[string]struct{})
			perIP[e.IPAddress] = users
		}
		users[e.Metadata[MetaUsername]] = struct{}{}
		if len(users) > 10 {
			return true, nil
		}
	}
	return false, nil
}

// ImpossibleTravel fires when two consecutive successful logins of the same
// user carry coordinates that would need more than 1000 km/h to connect.
// Events without parseable coordinates are ignored.
func ImpossibleTravel(events []Event) (bool, error) {
	type fix struct {
		lat, lon float64
		at       time.Time
	}
	last := make(map[string]fix)
	for _, e := range events {
		if e.Type != EventLoginSuccess {
			continue
		}
		lat, errLat := strconv.ParseFloat(e.Metadata[MetaLatitude], 64)
		lon, errLon := strconv.ParseFloat(e.Metadata[MetaLongitude], 64)
		if errLat != nil || errLon != nil || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
			continue
		}
		cur := fix{lat: lat, lon: lon, at: e.Timestamp}
		if prev, ok := last[e.UserID]; ok {
			hours := cur.at.Sub(prev.at).Hours()
			if hours < time.Second.Hours() {
				hours = time.Second.Hours()
			}
			if haversineKm(prev.lat, prev.lon, cur.lat, cur.lon)/hours > maxTravelSpeedKmh {
				return true, nil
			}
		}
		last[e.UserID] = cur
	}
	return false, nil
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// AccountEnumeration fires on more than 20 user lookups within 5 minutes.
func AccountEnumeration(events []Event) (bool, error) {
	return countTypes(recent(events, 5*time.Minute), EventUserNotFound, EventEmailCheck) > 20, nil
}

// TokenReplay fires on more than 3 expired or revoked token presentations
// anywhere in the window.
func TokenReplay(events []Event) (bool, error) {
	return countTypes(events, EventTokenExpired, EventTokenRevoked) > 3, nil
}

// APIScanning fires on more than 50 distinct unknown paths within 10 minutes.
func APIScanning(events []Event) (bool, error) {
	return distinctMeta(recent(events, 10*time.Minute), EventRouteNotFound, MetaPath) > 50, nil
}

// DataExfiltration fires when exports in the window exceed 10000 records in
// total or 50 export events.
func DataExfiltration(events []Event) (bool, error) {
	var records int64
	exports := 0
	for _, e := range events {
		if e.Type != EventDataExport {
			continue
		}
		exports++
		if n, err := strconv.ParseInt(e.Metadata[MetaRecords], 10, 64); err == nil && n > 0 {
			records += n
		}
	}
	return records > 10000 || exports > 50, nil
}

// PrivilegeEscalation fires on more than 10 denied accesses within 5 minutes.
func PrivilegeEscalation(events []Event) (bool, error) {
	return countTypes(recent(events, 5*time.Minute), EventAccessDenied) > 10, nil
}

// SessionHijacking fires on any session fingerprint mismatch.
func SessionHijacking(events []Event) (bool, error) {
	return countTypes(events, EventSessionMismatch) > 0, nil
}

// PinBruteForce fires on more than 5 distinct PINs within 5 minutes.
func PinBruteForce(events []Event) (bool, error) {
	return distinctMeta(recent(events, 5*time.Minute), EventPinAttempt, MetaPin) > 5, nil
}
