package server

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smsbridge/smsbridge/internal/contacts"
	"github.com/smsbridge/smsbridge/internal/logging"
	"github.com/smsbridge/smsbridge/internal/protocol"
	"github.com/smsbridge/smsbridge/internal/registry"
	"github.com/smsbridge/smsbridge/internal/tenant"
	"go.uber.org/zap"
)

// EventKind tags what happened on a connection.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventFrame
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventFrame:
		return "frame"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item of a connection's ordered event stream.
type Event struct {
	Kind EventKind
	Data []byte
}

// RouterOptions configures observability and the clock.
type RouterOptions struct {
	Metrics *serverMetrics
	Now     func() time.Time
}

// Router dispatches relay messages between a tenant's phone and desktops.
// It holds no per-connection state; all of it lives in the registry.
type Router struct {
	log      *zap.Logger
	registry registry.Registry
	contacts contacts.Store
	metrics  *serverMetrics
	nowFn    func() time.Time
}

// NewRouter wires the router dependencies.
func NewRouter(log *zap.Logger, reg registry.Registry, store contacts.Store, opts RouterOptions) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		log:      log,
		registry: reg,
		contacts: store,
		metrics:  opts.Metrics,
		nowFn:    opts.Now,
	}
	if r.nowFn == nil {
		r.nowFn = time.Now
	}
	return r
}

// Serve consumes one connection's events in order until the connection closes.
// When ctx ends first the connection is closed and Serve keeps draining until
// the transport reports the close, so unregistering happens exactly once.
func (r *Router) Serve(ctx context.Context, id tenant.ID, conn registry.Handle, events <-chan Event) {
	log := r.connLogger(id, conn)
	registered := false
	done := ctx.Done()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				r.disconnect(log, id, conn, registered)
				return
			}
			switch ev.Kind {
			case EventConnected:
				if registered {
					continue
				}
				r.connect(log, id, conn)
				registered = true
			case EventFrame:
				r.HandleFrame(ctx, id, conn, ev.Data)
			case EventClosed:
				r.disconnect(log, id, conn, registered)
				return
			default:
				log.Warn("unknown connection event", zap.Stringer("kind", ev.Kind))
			}
		case <-done:
			done = nil
			conn.Close(websocket.CloseGoingAway, "Server shutting down")
		}
	}
}

func (r *Router) connect(log *zap.Logger, id tenant.ID, conn registry.Handle) {
	start := time.Now()
	switch conn.Role() {
	case registry.RolePhone:
		if replaced := r.registry.RegisterPhone(id, conn); replaced != nil {
			r.metrics.recordReplacement()
			log.Info("phone replaced", zap.String("replaced_conn_id", replaced.ID()))
		}
	default:
		r.registry.RegisterDesktop(id, conn)
	}
	r.metrics.recordConnection(conn.Role())
	r.reply(log, conn, protocol.NewAck(protocol.AckConnected))
	r.observe("connect", start, nil)
	log.Info("client connected")
}

func (r *Router) disconnect(log *zap.Logger, id tenant.ID, conn registry.Handle, registered bool) {
	if !registered {
		return
	}
	removed := r.registry.Unregister(id, conn)
	log.Info("client disconnected", zap.Bool("was_current", removed))
}

// HandleFrame decodes one raw frame and dispatches it. Frames that fail to
// decode are answered with an error and have no other effect.
func (r *Router) HandleFrame(ctx context.Context, id tenant.ID, sender registry.Handle, raw []byte) {
	start := time.Now()
	msg, err := protocol.Decode(raw)
	if err != nil {
		log := r.connLogger(id, sender)
		var derr *protocol.DecodeError
		if !errors.As(err, &derr) {
			derr = &protocol.DecodeError{Code: protocol.CodeParseError, Reason: "decode", Err: err}
		}
		reply := derr.Reply()
		r.observe("decode", start, &routeError{code: reply.Code, msg: reply.Message, cause: derr})
		log.Debug("rejected frame", zap.Error(derr))
		r.reply(log, sender, reply)
		return
	}
	_ = r.Dispatch(ctx, id, sender, msg)
}

// Dispatch routes a decoded message. Routing failures are answered with an
// error message to the sender and returned.
func (r *Router) Dispatch(ctx context.Context, id tenant.ID, sender registry.Handle, msg protocol.Message) error {
	start := time.Now()
	log := r.connLogger(id, sender)
	log.Debug("message received", zap.String("type", string(msg.Type())))

	err := r.route(ctx, log, id, sender, msg)
	r.observe(string(msg.Type()), start, err)

	var rerr *routeError
	if errors.As(err, &rerr) {
		if rerr.cause != nil {
			log.Warn("routing failed", zap.String("code", string(rerr.code)), zap.Error(rerr.cause))
		}
		r.reply(log, sender, protocol.NewError(rerr.code, rerr.msg))
	}
	return err
}

func (r *Router) route(ctx context.Context, log *zap.Logger, id tenant.ID, sender registry.Handle, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.SMS:
		if !r.registry.IsPhoneOnline(id) {
			return &routeError{code: protocol.CodePhoneOffline, msg: "Phone is offline. Cannot send SMS."}
		}
		if !r.registry.SendToPhone(id, m) {
			return &routeError{code: protocol.CodeSendFailed, msg: "Failed to send to phone"}
		}
		log.Info("sms forwarded to phone")
		r.reply(log, sender, protocol.NewAck(""))
		return nil

	case protocol.Contacts:
		if err := r.contacts.Replace(ctx, id, m.Data); err != nil {
			return &routeError{code: protocol.CodeStorageError, msg: "Failed to store contacts", cause: err}
		}
		r.reply(log, sender, protocol.NewAck(protocol.AckContactsUpdated))
		r.BroadcastToDesktops(id, protocol.NewAck(protocol.AckContactsUpdated))
		return nil

	case protocol.GetContacts:
		list, err := r.contacts.List(ctx, id)
		if err != nil {
			return &routeError{code: protocol.CodeStorageError, msg: "Failed to load contacts", cause: err}
		}
		r.reply(log, sender, protocol.Contacts{Data: list})
		return nil

	case protocol.IncomingCall:
		n := r.BroadcastToDesktops(id, m)
		log.Info("incoming call forwarded", zap.Int("desktops", n))
		r.reply(log, sender, protocol.NewAck(""))
		return nil

	case protocol.IncomingSMS:
		if sender.Role() != registry.RolePhone {
			return &routeError{code: protocol.CodeForbidden, msg: "Only the phone may report incoming SMS"}
		}
		n := r.BroadcastToDesktops(id, m)
		log.Info("incoming sms forwarded", zap.Int("desktops", n))
		return nil

	case protocol.Ack:
		log.Debug("ack received", zap.String("ack_id", m.ID))
		return nil

	case protocol.Error:
		log.Warn("client reported error", zap.String("code", string(m.Code)), zap.String("message", m.Message))
		return nil

	default:
		return &routeError{code: protocol.CodeInvalidFormat, msg: "Invalid message format"}
	}
}

// BroadcastToDesktops sends msg to every open desktop of the tenant and returns
// the number of successful deliveries.
func (r *Router) BroadcastToDesktops(id tenant.ID, msg protocol.Message) int {
	n := r.registry.BroadcastToDesktops(id, msg)
	r.metrics.recordDeliveries(n)
	return n
}

// NotifyIncomingSMS stamps a received SMS with the current time and forwards
// it to the tenant's desktops.
func (r *Router) NotifyIncomingSMS(id tenant.ID, sender, message string) int {
	return r.BroadcastToDesktops(id, protocol.NewIncomingSMS(sender, message, r.nowFn()))
}

func (r *Router) reply(log *zap.Logger, conn registry.Handle, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error("encode reply", zap.Error(err), zap.String("type", string(msg.Type())))
		return
	}
	if err := conn.Send(data); err != nil {
		log.Warn("reply failed", zap.Error(err), zap.String("type", string(msg.Type())))
	}
}

func (r *Router) observe(op string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := "internal"
		var rerr *routeError
		if errors.As(err, &rerr) && rerr.code != "" {
			code = string(rerr.code)
		}
		r.metrics.recordError(code)
	}
}

func (r *Router) connLogger(id tenant.ID, conn registry.Handle) *zap.Logger {
	return logging.ForConnection(r.log, id.String(), conn.ID(), string(conn.Role()))
}

// routeError maps routing failures to error messages.
type routeError struct {
	code  protocol.Code
	msg   string
	cause error
}

func (e *routeError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *routeError) Unwrap() error { return e.cause }
