package relay

import (
	"encoding/json"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const previewLength = 50

// Conn is the registry's view of one client connection. The transport owns the
// connection; the registry only keeps a reference for membership and sends.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string
	// Send queues msg for delivery without blocking and reports whether it was
	// accepted. It returns false once the connection is closed. Send must not
	// call back into the Registry.
	Send(msg []byte) bool
}

// Observer is notified of membership changes and fan-out results. It is called
// outside the registry lock and must not block.
type Observer interface {
	RoomsChanged(rooms, members int)
	Sent(t MessageType, delivered, dropped int)
}

// Forwarder carries clipboard relays to other server instances.
type Forwarder interface {
	Forward(room string, payload json.RawMessage, from string)
}

// Stats is a point-in-time view of the registry size.
type Stats struct {
	Rooms   int
	Members int
}

type room struct {
	code    string
	members map[Conn]struct{}
	// deliver serializes fan-out within the room. It is acquired under
	// Registry.mu and released once the sends finish, so a snapshot of a busy
	// room makes every other operation wait for that room's sends. The wait
	// is bounded: Send never blocks and nothing is logged under the lock.
	deliver sync.Mutex
}

// fanout is a room's recipient list taken under Registry.mu. The room's
// deliver lock is held from the snapshot until broadcast returns.
type fanout struct {
	room       *room
	recipients []Conn
}

// Registry maps room codes to their connected devices and relays clipboard
// updates between them. A connection belongs to at most one room and empty
// rooms are removed as soon as their last member leaves.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*room
	memberOf map[Conn]*room
	members  int

	log       zerolog.Logger
	observer  Observer
	forwarder Forwarder
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for membership and relay events.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithObserver registers an observer for metrics.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithForwarder makes every local relay also go through f.
func WithForwarder(f Forwarder) Option {
	return func(r *Registry) { r.forwarder = f }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms:    make(map[string]*room),
		memberOf: make(map[Conn]*room),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleMessage decodes one inbound frame from c and dispatches it. Malformed
// frames and unknown types are returned as errors for diagnostics only; they
// never change registry state.
func (r *Registry) HandleMessage(c Conn, raw []byte) error {
	env, err := Decode(raw)
	if err != nil {
		return err
	}

	switch env.Type {
	case TypeJoin:
		r.Join(c, env.Room)
	case TypeClipboard:
		r.Relay(c, env.Payload, env.From)
	case TypePing:
		r.Pong(c)
	}
	return nil
}

// Join moves c into the room identified by code, creating it if needed, and
// returns the room's new member count. If c was in a different room it leaves
// that room first and the remaining members get device_left. c receives a
// joined acknowledgement and the other members of the room get device_joined.
func (r *Registry) Join(c Conn, code string) int {
	if c == nil || code == "" {
		return 0
	}

	r.mu.Lock()
	var left *fanout
	leftDevices := 0
	if old := r.memberOf[c]; old != nil && old.code != code {
		leftDevices = r.removeLocked(c, old)
		if leftDevices > 0 {
			f := r.snapshotLocked(old, nil)
			left = &f
		}
	}

	rm := r.rooms[code]
	if rm == nil {
		rm = &room{code: code, members: make(map[Conn]struct{})}
		r.rooms[code] = rm
	}
	if _, ok := rm.members[c]; !ok {
		rm.members[c] = struct{}{}
		r.memberOf[c] = rm
		r.members++
	}
	devices := len(rm.members)
	joined := r.snapshotLocked(rm, c)
	stats := r.statsLocked()
	r.mu.Unlock()

	r.observeRooms(stats)
	if left != nil {
		r.broadcast(*left, TypeDeviceLeft, EncodeDeviceLeft(leftDevices))
	}

	// The acknowledgement goes out under the room's deliver lock so it
	// precedes any relay the new member receives.
	r.sendOne(c, TypeJoined, EncodeJoined(code, devices))
	r.broadcast(joined, TypeDeviceJoined, EncodeDeviceJoined(devices))

	if left != nil {
		r.log.Info().Str("room", left.room.code).Int("devices", leftDevices).Str("conn", c.ID()).Msg("device switched rooms")
	}

	r.log.Info().Str("room", code).Int("devices", devices).Str("conn", c.ID()).Msg("device joined room")
	return devices
}

// Relay sends a clipboard update from c to every other member of its room and
// returns how many members accepted it. Relays from connections that have not
// joined a room are dropped.
func (r *Registry) Relay(c Conn, payload json.RawMessage, from string) int {
	if c == nil {
		return 0
	}
	frame, err := EncodeClipboard(payload, from)
	if err != nil {
		r.log.Debug().Err(err).Str("conn", c.ID()).Msg("dropping clipboard with invalid payload")
		return 0
	}

	r.mu.Lock()
	rm := r.memberOf[c]
	if rm == nil {
		r.mu.Unlock()
		r.log.Debug().Str("conn", c.ID()).Msg("dropping clipboard from device outside any room")
		return 0
	}
	f := r.snapshotLocked(rm, c)
	code := rm.code
	r.mu.Unlock()

	delivered := r.broadcast(f, TypeClipboard, frame)
	r.log.Debug().
		Str("room", code).
		Str("from", from).
		Int("delivered", delivered).
		Func(func(e *zerolog.Event) { e.Str("preview", preview(payload)) }).
		Msg("clipboard relayed")

	if r.forwarder != nil {
		r.forwarder.Forward(code, payload, from)
	}
	return delivered
}

// RelayRemote delivers a clipboard update that arrived from another instance
// to every local member of the room. It returns how many members accepted it.
func (r *Registry) RelayRemote(code string, payload json.RawMessage, from string) int {
	frame, err := EncodeClipboard(payload, from)
	if err != nil {
		r.log.Debug().Err(err).Str("room", code).Msg("dropping remote clipboard with invalid payload")
		return 0
	}

	r.mu.Lock()
	rm := r.rooms[code]
	if rm == nil {
		r.mu.Unlock()
		return 0
	}
	f := r.snapshotLocked(rm, nil)
	r.mu.Unlock()

	return r.broadcast(f, TypeClipboard, frame)
}

// Leave removes c from its room. The room is deleted when c was its last
// member; otherwise the remaining members get device_left. Leave is a no-op
// for connections that are not in a room.
func (r *Registry) Leave(c Conn) {
	if c == nil {
		return
	}

	r.mu.Lock()
	rm := r.memberOf[c]
	if rm == nil {
		r.mu.Unlock()
		return
	}
	remaining := r.removeLocked(c, rm)
	var f fanout
	if remaining > 0 {
		f = r.snapshotLocked(rm, nil)
	}
	stats := r.statsLocked()
	r.mu.Unlock()

	r.observeRooms(stats)
	if remaining > 0 {
		r.broadcast(f, TypeDeviceLeft, EncodeDeviceLeft(remaining))
	}
	r.log.Info().Str("room", rm.code).Int("devices", remaining).Str("conn", c.ID()).Msg("device left room")
}

// Pong answers a ping from c. It does not touch registry state.
func (r *Registry) Pong(c Conn) {
	if c == nil {
		return
	}
	r.sendOne(c, TypePong, EncodePong())
}

// RoomOf returns the code of the room c currently belongs to.
func (r *Registry) RoomOf(c Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.memberOf[c]
	if !ok {
		return "", false
	}
	return rm.code, true
}

// Members returns the number of devices in the room, zero if it does not exist.
func (r *Registry) Members(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[code]; ok {
		return len(rm.members)
	}
	return 0
}

// Stats returns the current number of rooms and joined devices.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Registry) statsLocked() Stats {
	return Stats{Rooms: len(r.rooms), Members: r.members}
}

// removeLocked drops c from rm, prunes rm when it becomes empty and returns
// the number of members left.
func (r *Registry) removeLocked(c Conn, rm *room) int {
	if _, ok := rm.members[c]; ok {
		delete(rm.members, c)
		r.members--
	}
	delete(r.memberOf, c)

	remaining := len(rm.members)
	if remaining == 0 && r.rooms[rm.code] == rm {
		delete(r.rooms, rm.code)
	}
	return remaining
}

func (r *Registry) snapshotLocked(rm *room, except Conn) fanout {
	rm.deliver.Lock()
	recipients := lo.Filter(lo.Keys(rm.members), func(c Conn, _ int) bool {
		return c != except
	})
	return fanout{room: rm, recipients: recipients}
}

// broadcast sends msg to every recipient of f, skipping the ones that refuse
// it, releases the room's deliver lock and returns the number delivered.
func (r *Registry) broadcast(f fanout, t MessageType, msg []byte) int {
	var skipped []Conn
	for _, c := range f.recipients {
		if !c.Send(msg) {
			skipped = append(skipped, c)
		}
	}
	f.room.deliver.Unlock()

	for _, c := range skipped {
		r.log.Debug().Str("room", f.room.code).Str("conn", c.ID()).Str("type", string(t)).Msg("skipping unavailable device")
	}
	delivered := len(f.recipients) - len(skipped)
	r.observeSent(t, delivered, len(skipped))
	return delivered
}

func (r *Registry) observeRooms(s Stats) {
	if r.observer != nil {
		r.observer.RoomsChanged(s.Rooms, s.Members)
	}
}

func (r *Registry) observeSent(t MessageType, delivered, dropped int) {
	if r.observer != nil {
		r.observer.Sent(t, delivered, dropped)
	}
}

// sendOne delivers msg to a single connection, bypassing fan-out.
func (r *Registry) sendOne(c Conn, t MessageType, msg []byte) bool {
	ok := c.Send(msg)
	if ok {
		r.observeSent(t, 1, 0)
	} else {
		r.observeSent(t, 0, 1)
	}
	return ok
}

// preview returns the first characters of a payload for log lines.
func preview(payload json.RawMessage) string {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		text = string(payload)
	}
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	return string([]rune(text)[:previewLength]) + "..."
}
