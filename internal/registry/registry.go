package registry

import (
	"sync"
	"time"

	"github.com/smsbridge/smsbridge/internal/protocol"
	"github.com/smsbridge/smsbridge/internal/tenant"
	"go.uber.org/zap"
)

// Close codes used when the registry terminates a connection.
const (
	CloseNormal    = 1000
	ReplacedReason = "Replaced by new connection"
)

// Role says which side of the bridge a connection belongs to.
type Role string

const (
	RolePhone   Role = "phone"
	RoleDesktop Role = "desktop"
)

// ParseRole maps the connection role selector; anything but "phone" is a desktop.
func ParseRole(s string) Role {
	if Role(s) == RolePhone {
		return RolePhone
	}
	return RoleDesktop
}

// Handle is one live transport connection.
type Handle interface {
	ID() string
	Role() Role
	Send(data []byte) error
	IsOpen() bool
	Close(code int, reason string)
}

// Registry holds the live phone and desktop connections of every tenant.
type Registry interface {
	RegisterPhone(id tenant.ID, h Handle) (replaced Handle)
	RegisterDesktop(id tenant.ID, h Handle)
	Unregister(id tenant.ID, h Handle) bool
	IsPhoneOnline(id tenant.ID) bool
	SendToPhone(id tenant.ID, msg protocol.Message) bool
	BroadcastToDesktops(id tenant.ID, msg protocol.Message) int
	Status(id tenant.ID) Status
	GlobalStats() Stats
}

type tenantEntry struct {
	phone    Handle
	desktops []Handle
	lastSeen time.Time
}

func (e *tenantEntry) active() bool {
	return e.phone != nil || len(e.desktops) > 0
}

// Option customizes an InMemory registry.
type Option func(*InMemory)

// WithClock overrides the time source used for last-seen stamps.
func WithClock(now func() time.Time) Option {
	return func(r *InMemory) { r.nowFn = now }
}

// WithLogger attaches a logger for per-connection send failures.
func WithLogger(log *zap.Logger) Option {
	return func(r *InMemory) { r.log = log }
}

// InMemory is the process-wide connection registry. A single lock covers all
// tenants; sends always happen after it is released.
type InMemory struct {
	mu      sync.RWMutex
	tenants map[tenant.ID]*tenantEntry
	nowFn   func() time.Time
	log     *zap.Logger
}

// New builds an empty registry.
func New(opts ...Option) *InMemory {
	r := &InMemory{
		tenants: make(map[tenant.ID]*tenantEntry),
		nowFn:   time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterPhone installs h as the tenant's phone. Any previous phone is closed
// after the swap and returned.
func (r *InMemory) RegisterPhone(id tenant.ID, h Handle) Handle {
	r.mu.Lock()
	entry := r.entryLocked(id)
	previous := entry.phone
	entry.phone = h
	entry.lastSeen = r.nowFn()
	r.mu.Unlock()

	if previous != nil && previous != h {
		previous.Close(CloseNormal, ReplacedReason)
		return previous
	}
	return nil
}

// RegisterDesktop adds h to the tenant's desktops.
func (r *InMemory) RegisterDesktop(id tenant.ID, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.entryLocked(id)
	for _, existing := range entry.desktops {
		if existing == h {
			return
		}
	}
	entry.desktops = append(entry.desktops, h)
}

// Unregister removes h after its connection closed. A phone is only cleared when
// h is still the registered one, so late closes of replaced phones are no-ops.
// It reports whether anything was removed.
func (r *InMemory) Unregister(id tenant.ID, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.tenants[id]
	if !ok {
		return false
	}

	if h.Role() == RolePhone {
		if entry.phone != h {
			return false
		}
		entry.phone = nil
		entry.lastSeen = r.nowFn()
		return true
	}

	for i, existing := range entry.desktops {
		if existing != h {
			continue
		}
		entry.desktops = append(entry.desktops[:i:i], entry.desktops[i+1:]...)
		if len(entry.desktops) == 0 {
			entry.desktops = nil
		}
		r.dropIfIdleLocked(id, entry)
		return true
	}
	return false
}

// IsPhoneOnline reports whether the tenant has an open phone connection.
func (r *InMemory) IsPhoneOnline(id tenant.ID) bool {
	return r.phone(id) != nil
}

// SendToPhone encodes msg and hands it to the tenant's phone. It returns false
// without touching any state when no open phone is registered.
func (r *InMemory) SendToPhone(id tenant.ID, msg protocol.Message) bool {
	phone := r.phone(id)
	if phone == nil {
		return false
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		r.log.Error("encode message for phone", zap.Error(err), zap.String("type", string(msg.Type())))
		return false
	}
	if err := phone.Send(data); err != nil {
		r.log.Warn("send to phone failed", zap.Error(err), zap.String("tenant", id.String()), zap.String("conn_id", phone.ID()))
		return false
	}
	return true
}

// BroadcastToDesktops sends msg to every open desktop of the tenant and returns
// how many sends succeeded. Failed sends are skipped.
func (r *InMemory) BroadcastToDesktops(id tenant.ID, msg protocol.Message) int {
	targets := r.openDesktops(id)
	if len(targets) == 0 {
		return 0
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		r.log.Error("encode message for desktops", zap.Error(err), zap.String("type", string(msg.Type())))
		return 0
	}

	sent := 0
	for _, h := range targets {
		if err := h.Send(data); err != nil {
			r.log.Warn("send to desktop failed", zap.Error(err), zap.String("tenant", id.String()), zap.String("conn_id", h.ID()))
			continue
		}
		sent++
	}
	return sent
}

func (r *InMemory) phone(id tenant.ID) Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tenants[id]
	if !ok || entry.phone == nil || !entry.phone.IsOpen() {
		return nil
	}
	return entry.phone
}

func (r *InMemory) openDesktops(id tenant.ID) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tenants[id]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(entry.desktops))
	for _, h := range entry.desktops {
		if h.IsOpen() {
			out = append(out, h)
		}
	}
	return out
}

func (r *InMemory) entryLocked(id tenant.ID) *tenantEntry {
	entry, ok := r.tenants[id]
	if !ok {
		entry = &tenantEntry{}
		r.tenants[id] = entry
	}
	return entry
}

// dropIfIdleLocked forgets tenants that never had a phone once their last
// desktop leaves. Tenants with a phone history keep their last-seen stamp.
func (r *InMemory) dropIfIdleLocked(id tenant.ID, entry *tenantEntry) {
	if entry.active() || !entry.lastSeen.IsZero() {
		return
	}
	delete(r.tenants, id)
}
