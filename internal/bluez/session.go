package bluez

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"pumplink/internal/bterr"
	"pumplink/internal/eventloop"
)

var sessionLog = logrus.WithField("tag", "BusSession")

// wrapBusError classifies a failed daemon call. Daemon-side
// cancellation is remapped to ErrCancelled so callers can tell a torn
// down operation from a genuine failure; everything else is ErrBus with
// the original error (including its D-Bus name) preserved in the chain.
func wrapBusError(err error, context string) error {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		if strings.HasSuffix(dbusErr.Name, ".Canceled") || strings.HasSuffix(dbusErr.Name, ".Cancelled") {
			return fmt.Errorf("%s: %w: %w", context, bterr.ErrCancelled, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", context, bterr.ErrBus, err)
}

type subscription struct {
	id     int
	iface  string
	member string
	fn     func(*dbus.Signal)
}

// Session owns the library's single connection to the system message
// bus. Signal handlers registered through Subscribe are dispatched on
// the worker loop, serialized with scheduled work items and delivered
// in arrival order.
type Session struct {
	conn *dbus.Conn
	loop *eventloop.Loop

	sigCh chan *dbus.Signal

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
}

// Connect obtains the system bus connection and starts the signal
// pump. Failure to reach the bus surfaces as ErrBus.
func Connect(loop *eventloop.Loop) (*Session, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect system bus: %v", bterr.ErrBus, err)
	}

	s := &Session{
		conn:  conn,
		loop:  loop,
		sigCh: make(chan *dbus.Signal, 64),
		subs:  make(map[int]*subscription),
	}
	conn.Signal(s.sigCh)
	go s.pump()

	sessionLog.Trace("system bus session established")
	return s, nil
}

// pump forwards bus signals to the worker loop. A single pump
// goroutine plus the loop's FIFO queue keeps handler invocations
// ordered and serialized.
func (s *Session) pump() {
	for sig := range s.sigCh {
		s.mu.Lock()
		var matched []func(*dbus.Signal)
		for _, sub := range s.subs {
			if sig.Name == sub.iface+"."+sub.member {
				matched = append(matched, sub.fn)
			}
		}
		s.mu.Unlock()
		if len(matched) == 0 {
			continue
		}
		sig := sig
		s.loop.Post(func() {
			for _, fn := range matched {
				invokeSignalHandler(fn, sig)
			}
		})
	}
}

// invokeSignalHandler shields the pump from a panicking handler; a
// handler failure must never take down signal delivery.
func invokeSignalHandler(fn func(*dbus.Signal), sig *dbus.Signal) {
	defer func() {
		if r := recover(); r != nil {
			sessionLog.Errorf("signal handler for %s panicked: %v", sig.Name, r)
		}
	}()
	fn(sig)
}

// Subscribe registers fn for signals of the given interface and member
// sent by the daemon. It returns a subscription id for Unsubscribe.
func (s *Session) Subscribe(iface, member string, fn func(*dbus.Signal)) (int, error) {
	if err := s.conn.AddMatchSignal(
		dbus.WithMatchSender(bluezService),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	); err != nil {
		return 0, wrapBusError(err, "add signal match")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = &subscription{id: id, iface: iface, member: member, fn: fn}
	return id, nil
}

// Unsubscribe removes a subscription made with Subscribe. Unknown ids
// are ignored.
func (s *Session) Unsubscribe(id int) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.conn.RemoveMatchSignal(
		dbus.WithMatchSender(bluezService),
		dbus.WithMatchInterface(sub.iface),
		dbus.WithMatchMember(sub.member),
	); err != nil {
		sessionLog.Warnf("could not remove signal match for %s.%s: %v", sub.iface, sub.member, err)
	}
}

// Object returns a proxy for a daemon-owned object.
func (s *Session) Object(path dbus.ObjectPath) dbus.BusObject {
	return s.conn.Object(bluezService, path)
}

// Export publishes v's methods at path under the given interface.
func (s *Session) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	if err := s.conn.Export(v, path, iface); err != nil {
		return wrapBusError(err, fmt.Sprintf("export %s at %s", iface, path))
	}
	return nil
}

// Unexport removes an object published with Export. Best-effort.
func (s *Session) Unexport(path dbus.ObjectPath, iface string) {
	if err := s.conn.Export(nil, path, iface); err != nil {
		sessionLog.Warnf("could not unexport %s at %s: %v", iface, path, err)
	}
}

// ManagedObjects enumerates every object the daemon currently
// publishes, in one call.
func (s *Session) ManagedObjects() (managedObjects, error) {
	var objs managedObjects
	call := s.Object(bluezRoot).Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, wrapBusError(call.Err, "get managed objects")
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("%w: decode managed objects: %v", bterr.ErrBus, err)
	}
	return objs, nil
}

// Close drops the signal pump and the bus connection. Call it once: a
// second call panics on the already closed signal channel.
func (s *Session) Close() {
	s.conn.RemoveSignal(s.sigCh)
	close(s.sigCh)
	if err := s.conn.Close(); err != nil {
		sessionLog.Warnf("error closing bus connection: %v", err)
	}
	sessionLog.Trace("system bus session closed")
}
