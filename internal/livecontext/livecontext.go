// Package livecontext defines the closed set of invalidation contexts that
// the backend may announce as changed.
package livecontext

import "strings"

// Name identifies a domain area whose backing data may have changed
type Name string

const (
	Bookings             Name = "bookings"
	BookingSchedules     Name = "booking_schedules"
	TrainerSchedules     Name = "trainer_schedules"
	TrainerAvailability  Name = "trainer_availability"
	Children             Name = "children"
	SafeguardingConcerns Name = "safeguarding_concerns"
	Payments             Name = "payments"
	Packages             Name = "packages"
	Activities           Name = "activities"
	Trainers             Name = "trainers"
	Users                Name = "users"
	Notifications        Name = "notifications"
	DashboardStats       Name = "dashboard_stats"
)

// all holds the registry in declaration order
var all = []Name{
	Bookings,
	BookingSchedules,
	TrainerSchedules,
	TrainerAvailability,
	Children,
	SafeguardingConcerns,
	Payments,
	Packages,
	Activities,
	Trainers,
	Users,
	Notifications,
	DashboardStats,
}

var known = func() map[Name]struct{} {
	m := make(map[Name]struct{}, len(all))
	for _, n := range all {
		m[n] = struct{}{}
	}
	return m
}()

// IsKnown reports whether name belongs to the registry
func IsKnown(name string) bool {
	_, ok := known[Name(name)]
	return ok
}

// All returns every known context in declaration order
func All() []Name {
	out := make([]Name, len(all))
	copy(out, all)
	return out
}

// Normalize keeps the known names, in first-seen order and without repeats.
// Unknown names are dropped so the client tolerates contexts added server-side.
func Normalize(names []string) []Name {
	if len(names) == 0 {
		return nil
	}

	out := make([]Name, 0, len(names))
	seen := make(map[Name]struct{}, len(names))
	for _, raw := range names {
		n := Name(strings.TrimSpace(raw))
		if _, ok := known[n]; !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Strings converts names back to their wire form
func Strings(names []Name) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

// String implements fmt.Stringer
func (n Name) String() string {
	return string(n)
}
