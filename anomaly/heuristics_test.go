package anomaly

import (
	"strconv"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(typ EventType, at time.Duration, meta map[string]string) Event {
	return Event{
		UserID:    "u1",
		IPAddress: "203.0.113.7",
		Type:      typ,
		Timestamp: t0.Add(at),
		Metadata:  meta,
	}
}

func repeat(n int, step time.Duration, mk func(i int) Event) []Event {
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := mk(i)
		e.Timestamp = t0.Add(time.Duration(i) * step)
		out = append(out, e)
	}
	return out
}

func mustCheck(t *testing.T, check func([]Event) (bool, error), events []Event) bool {
	t.Helper()
	hit, err := check(events)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	return hit
}

func TestRecentUsesNewestEvent(t *testing.T) {
	events := []Event{
		ev(EventLoginFailed, 0, nil),
		ev(EventLoginFailed, 10*time.Minute, nil),
		ev(EventLoginFailed, 14*time.Minute, nil),
	}
	got := recent(events, 5*time.Minute)
	if len(got) != 2 {
		t.Fatalf("expected 2 recent events, got %d", len(got))
	}
	if recent(nil, time.Minute) != nil {
		t.Fatal("expected nil for empty input")
	}
}

func TestRapidLoginAttempts(t *testing.T) {
	failed := func(int) Event { return ev(EventLoginFailed, 0, nil) }

	if mustCheck(t, RapidLoginAttempts, repeat(5, 10*time.Second, failed)) {
		t.Fatal("5 failures must not fire")
	}
	if !mustCheck(t, RapidLoginAttempts, repeat(6, 10*time.Second, failed)) {
		t.Fatal("6 failures within 5 minutes must fire")
	}
	if mustCheck(t, RapidLoginAttempts, repeat(6, 2*time.Minute, failed)) {
		t.Fatal("failures spread over 10 minutes must not fire")
	}
}

func TestCredentialStuffing(t *testing.T) {
	mk := func(i int) Event {
		return ev(EventLoginFailed, 0, map[string]string{MetaUsername: "user" + strconv.Itoa(i)})
	}
	if mustCheck(t, CredentialStuffing, repeat(10, time.Second, mk)) {
		t.Fatal("10 usernames must not fire")
	}
	if !mustCheck(t, CredentialStuffing, repeat(11, time.Second, mk)) {
		t.Fatal("11 usernames from one IP must fire")
	}

	split := repeat(11, time.Second, mk)
	for i := range split {
		if i%2 == 0 {
			split[i].IPAddress = "198.51.100.9"
		}
	}
	if mustCheck(t, CredentialStuffing, split) {
		t.Fatal("usernames spread over two IPs must not fire")
	}
}

func TestImpossibleTravel(t *testing.T) {
	at := func(lat, lon string, d time.Duration) Event {
		return ev(EventLoginSuccess, d, map[string]string{MetaLatitude: lat, MetaLongitude: lon})
	}
	// London to New York is roughly 5570 km.
	fast := []Event{at("51.5074", "-0.1278", 0), at("40.7128", "-74.0060", time.Hour)}
	if !mustCheck(t, ImpossibleTravel, fast) {
		t.Fatal("London to New York in one hour must fire")
	}
	slow := []Event{at("51.5074", "-0.1278", 0), at("40.7128", "-74.0060", 8*time.Hour)}
	if mustCheck(t, ImpossibleTravel, slow) {
		t.Fatal("eight hours is plausible")
	}
	sameInstant := []Event{at("51.5074", "-0.1278", 0), at("51.5075", "-0.1278", 0)}
	if mustCheck(t, ImpossibleTravel, sameInstant) {
		t.Fatal("11 metres in the same second must not fire")
	}
	bad := []Event{at("51.5074", "-0.1278", 0), at("north", "west", time.Minute), at("95", "0", 2*time.Minute)}
	if mustCheck(t, ImpossibleTravel, bad) {
		t.Fatal("invalid coordinates must be skipped")
	}

	otherUser := at("40.7128", "-74.0060", time.Minute)
	otherUser.UserID = "u2"
	if mustCheck(t, ImpossibleTravel, []Event{at("51.5074", "-0.1278", 0), otherUser}) {
		t.Fatal("different users must not be compared")
	}
}

func TestHaversine(t *testing.T) {
	d := haversineKm(51.5074, -0.1278, 40.7128, -74.0060)
	if d < 5500 || d > 5650 {
		t.Fatalf("unexpected London-New York distance %.0f", d)
	}
	if haversineKm(10, 10, 10, 10) != 0 {
		t.Fatal("zero distance expected")
	}
}

func TestAccountEnumeration(t *testing.T) {
	mk := func(i int) Event {
		if i%2 == 0 {
			return ev(EventUserNotFound, 0, nil)
		}
		return ev(EventEmailCheck, 0, nil)
	}
	if mustCheck(t, AccountEnumeration, repeat(20, time.Second, mk)) {
		t.Fatal("20 lookups must not fire")
	}
	if !mustCheck(t, AccountEnumeration, repeat(21, time.Second, mk)) {
		t.Fatal("21 lookups must fire")
	}
}

func TestTokenReplay(t *testing.T) {
	mk := func(i int) Event {
		if i%2 == 0 {
			return ev(EventTokenExpired, 0, nil)
		}
		return ev(EventTokenRevoked, 0, nil)
	}
	if mustCheck(t, TokenReplay, repeat(3, time.Minute, mk)) {
		t.Fatal("3 presentations must not fire")
	}
	if !mustCheck(t, TokenReplay, repeat(4, 10*time.Minute, mk)) {
		t.Fatal("4 presentations in the window must fire")
	}
}

func TestAPIScanning(t *testing.T) {
	mk := func(i int) Event {
		return ev(EventRouteNotFound, 0, map[string]string{MetaPath: "/scan/" + strconv.Itoa(i)})
	}
	if mustCheck(t, APIScanning, repeat(50, time.Second, mk)) {
		t.Fatal("50 paths must not fire")
	}
	if !mustCheck(t, APIScanning, repeat(51, time.Second, mk)) {
		t.Fatal("51 distinct paths must fire")
	}
	same := repeat(80, time.Second, func(int) Event {
		return ev(EventRouteNotFound, 0, map[string]string{MetaPath: "/favicon.ico"})
	})
	if mustCheck(t, APIScanning, same) {
		t.Fatal("repeated path must count once")
	}
}

func TestDataExfiltration(t *testing.T) {
	big := []Event{
		ev(EventDataExport, 0, map[string]string{MetaRecords: "6000"}),
		ev(EventDataExport, time.Minute, map[string]string{MetaRecords: "4001"}),
	}
	if !mustCheck(t, DataExfiltration, big) {
		t.Fatal("10001 records must fire")
	}
	exact := []Event{ev(EventDataExport, 0, map[string]string{MetaRecords: "10000"})}
	if mustCheck(t, DataExfiltration, exact) {
		t.Fatal("10000 records must not fire")
	}
	many := repeat(51, time.Second, func(int) Event {
		return ev(EventDataExport, 0, map[string]string{MetaRecords: "garbage"})
	})
	if !mustCheck(t, DataExfiltration, many) {
		t.Fatal("51 exports must fire")
	}
}

func TestPrivilegeEscalation(t *testing.T) {
	denied := func(int) Event { return ev(EventAccessDenied, 0, nil) }
	if mustCheck(t, PrivilegeEscalation, repeat(10, time.Second, denied)) {
		t.Fatal("10 denials must not fire")
	}
	if !mustCheck(t, PrivilegeEscalation, repeat(11, time.Second, denied)) {
		t.Fatal("11 denials must fire")
	}
}

func TestSessionHijacking(t *testing.T) {
	if mustCheck(t, SessionHijacking, []Event{ev(EventLoginSuccess, 0, nil)}) {
		t.Fatal("no mismatch, no fire")
	}
	if !mustCheck(t, SessionHijacking, []Event{ev(EventSessionMismatch, 0, nil)}) {
		t.Fatal("any mismatch must fire")
	}
}

func TestPinBruteForce(t *testing.T) {
	mk := func(i int) Event {
		return ev(EventPinAttempt, 0, map[string]string{MetaPin: "digest" + strconv.Itoa(i)})
	}
	if mustCheck(t, PinBruteForce, repeat(5, time.Second, mk)) {
		t.Fatal("5 pins must not fire")
	}
	if !mustCheck(t, PinBruteForce, repeat(6, time.Second, mk)) {
		t.Fatal("6 distinct pins must fire")
	}
}

func TestDefaultPatternsComplete(t *testing.T) {
	patterns := DefaultPatterns()
	if len(patterns) != 10 {
		t.Fatalf("expected 10 patterns, got %d", len(patterns))
	}
	seen := map[string]bool{}
	for _, p := range patterns {
		if p.Check == nil || p.Severity == "" {
			t.Fatalf("pattern %q incomplete", p.Name)
		}
		if seen[p.Name] {
			t.Fatalf("duplicate pattern %q", p.Name)
		}
		seen[p.Name] = true
		if _, err := ParseAction(p.Action.String()); err != nil {
			t.Fatalf("pattern %q: %v", p.Name, err)
		}
	}
	if _, err := ParseAction("quarantine"); err == nil {
		t.Fatal("expected unknown action error")
	}
}
