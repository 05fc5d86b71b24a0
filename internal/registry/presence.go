package registry

import (
	"time"

	"github.com/smsbridge/smsbridge/internal/tenant"
)

// Status is the presence view of one tenant.
type Status struct {
	PhoneOnline    bool
	DesktopClients int
	LastPhoneSeen  *time.Time
}

// Stats aggregates live connections across all tenants.
type Stats struct {
	Phones   int
	Desktops int
	Tenants  int
}

// Status reports presence for a tenant. Unknown tenants are simply offline.
func (r *InMemory) Status(id tenant.ID) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tenants[id]
	if !ok {
		return Status{}
	}

	st := Status{
		PhoneOnline:    entry.phone != nil && entry.phone.IsOpen(),
		DesktopClients: countOpen(entry.desktops),
	}
	if !entry.lastSeen.IsZero() {
		seen := entry.lastSeen
		st.LastPhoneSeen = &seen
	}
	return st
}

// GlobalStats counts open connections and the tenants that own them.
func (r *InMemory) GlobalStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var st Stats
	for _, entry := range r.tenants {
		phones := 0
		if entry.phone != nil && entry.phone.IsOpen() {
			phones = 1
		}
		desktops := countOpen(entry.desktops)
		st.Phones += phones
		st.Desktops += desktops
		if phones+desktops > 0 {
			st.Tenants++
		}
	}
	return st
}

func countOpen(handles []Handle) int {
	n := 0
	for _, h := range handles {
		if h.IsOpen() {
			n++
		}
	}
	return n
}
