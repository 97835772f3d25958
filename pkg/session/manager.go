package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jammesh/pkg/memkv"
	"jammesh/pkg/peers"
	"jammesh/pkg/protocol"
	"jammesh/pkg/router"
)

// Sender is the part of the router the manager talks through.
type Sender interface {
	LocalID() string
	NewEnvelope(typ protocol.Type, to string, payload any) (*protocol.Envelope, error)
	DecodePayload(env *protocol.Envelope, v any) error
	Send(ctx context.Context, env *protocol.Envelope, target string) <-chan router.Result
}

type Options struct {
	// KV holds the ids of closed sessions for the life of the node. A
	// private store is created when nil.
	KV     *memkv.Store
	Now    func() time.Time
	Logger *zap.Logger
}

type record struct {
	mu sync.Mutex
	s  Session

	// ctx scopes join traffic of this session; cancelled when it ends.
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns every session known to this node. Each session has its own
// lock; the map lock is never held while a session is mutated.
type Manager struct {
	local string
	reg   *peers.Registry
	out   Sender
	kv    *memkv.Store
	ownKV bool
	now   func() time.Time
	log   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*record

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()
}

func New(reg *peers.Registry, out Sender, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		local:    out.LocalID(),
		reg:      reg,
		out:      out,
		kv:       opts.KV,
		now:      opts.Now,
		log:      opts.Logger,
		sessions: make(map[string]*record),
		subs:     make(map[int]func(Event)),
		ctx:      ctx,
		cancel:   cancel,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.kv == nil {
		m.kv = memkv.New(memkv.Options{Shards: 4, Now: m.now})
		m.ownKV = true
	}
	if m.log == nil {
		m.log = zap.L()
	}
	m.unsub = reg.Subscribe(m.onPeerEvent)
	return m
}

// Close cancels outstanding session traffic and waits for it to drain.
func (m *Manager) Close() {
	m.unsub()
	m.cancel()
	m.wg.Wait()
	if m.ownKV {
		m.kv.Close()
	}
}

// Subscribe registers fn for session changes. fn runs synchronously on the
// goroutine that made the change and must not block.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.subMu.RLock()
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func keyClosed(id string) string { return "session:closed:" + id }

// closed reports whether id ended on this node. Closed ids never expire, so
// a late start can not bring a session back.
func (m *Manager) closed(id string) bool {
	_, ok := m.kv.Get(keyClosed(id))
	return ok
}

func (m *Manager) newRecord(s Session) *record {
	ctx, cancel := context.WithCancel(m.ctx)
	return &record{s: s, ctx: ctx, cancel: cancel}
}

func (m *Manager) get(id string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) lookup(id string) (*record, error) {
	if rec := m.get(id); rec != nil {
		return rec, nil
	}
	if m.closed(id) {
		return nil, ErrSessionClosed
	}
	return nil, ErrSessionNotFound
}

// drop forgets a session and remembers its id as closed.
func (m *Manager) drop(rec *record) {
	rec.cancel()
	m.mu.Lock()
	delete(m.sessions, rec.s.ID)
	m.mu.Unlock()
	m.kv.Set(keyClosed(rec.s.ID), []byte{1}, 0)
}

func (m *Manager) known(id string) bool {
	if id == m.local {
		return true
	}
	_, err := m.reg.Get(id)
	return err == nil
}

func (m *Manager) remoteMembers(s Session) []string {
	out := make([]string, 0, len(s.Members))
	for _, id := range s.Members {
		if id != m.local {
			out = append(out, id)
		}
	}
	return out
}

func addMember(s *Session, id string) bool {
	if s.HasMember(id) {
		return false
	}
	s.Members = append(s.Members, id)
	return true
}

func removeMember(s *Session, id string) bool {
	for i, m := range s.Members {
		if m == id {
			s.Members = append(s.Members[:i:i], s.Members[i+1:]...)
			return true
		}
	}
	return false
}

// ---- outbound ----

func (m *Manager) broadcast(ctx context.Context, typ protocol.Type, payload any) {
	env, err := m.out.NewEnvelope(typ, "", payload)
	if err != nil {
		m.log.Error("build envelope", zap.Stringer("type", typ), zap.Error(err))
		return
	}
	m.drain(typ, []<-chan router.Result{m.out.Send(ctx, env, "")}, nil)
}

// sendTo addresses one envelope to each target. done runs once every
// delivery has been attempted, successful or not.
func (m *Manager) sendTo(ctx context.Context, typ protocol.Type, targets []string, payload any, done func()) {
	chans := make([]<-chan router.Result, 0, len(targets))
	for _, t := range targets {
		env, err := m.out.NewEnvelope(typ, t, payload)
		if err != nil {
			m.log.Error("build envelope", zap.Stringer("type", typ), zap.Error(err))
			continue
		}
		chans = append(chans, m.out.Send(ctx, env, t))
	}
	m.drain(typ, chans, done)
}

func (m *Manager) drain(typ protocol.Type, chans []<-chan router.Result, done func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, ch := range chans {
			for res := range ch {
				if res.Err != nil {
					m.log.Debug("session message not delivered",
						zap.Stringer("type", typ), zap.String("peer", res.Target), zap.Error(res.Err))
				}
			}
		}
		if done != nil {
			done()
		}
	}()
}

// ---- operations ----

// CreateSession starts a new session in the forming state and announces it
// to every live peer. An empty initiatorID means the local peer.
func (m *Manager) CreateSession(ctx context.Context, initiatorID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if initiatorID == "" {
		initiatorID = m.local
	}
	if !m.known(initiatorID) {
		return Session{}, fmt.Errorf("create session: initiator %s: %w", initiatorID, peers.ErrNotFound)
	}
	s := Session{
		ID:        uuid.NewString(),
		Initiator: initiatorID,
		Members:   []string{initiatorID},
		CreatedAt: m.now(),
		State:     StateForming,
		Joined:    initiatorID == m.local,
	}
	rec := m.newRecord(s)
	m.mu.Lock()
	m.sessions[s.ID] = rec
	m.mu.Unlock()

	m.log.Info("session created", zap.String("session", s.ID), zap.String("initiator", initiatorID))
	snap := s.clone()
	m.emit(Event{Kind: EventChanged, Session: snap})
	m.broadcast(rec.ctx, protocol.TypeSessionStart, protocol.SessionStartPayload{
		SessionID: s.ID,
		Initiator: s.Initiator,
		Members:   snap.Members,
		CreatedAt: s.CreatedAt.UnixMilli(),
	})
	return snap, nil
}

// JoinSession adds the local peer to a known session and asks its members
// to accept. The session becomes active once one of them acknowledges.
func (m *Manager) JoinSession(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	rec, err := m.lookup(id)
	if err != nil {
		return Session{}, fmt.Errorf("join %s: %w", id, err)
	}
	rec.mu.Lock()
	if rec.s.State >= StateEnding {
		rec.mu.Unlock()
		return Session{}, fmt.Errorf("join %s: %w", id, ErrSessionClosed)
	}
	if rec.s.Joined {
		snap := rec.s.clone()
		rec.mu.Unlock()
		return snap, nil
	}
	rec.s.Joined = true
	addMember(&rec.s, m.local)
	snap := rec.s.clone()
	rec.mu.Unlock()

	m.log.Info("joining session", zap.String("session", id), zap.Strings("members", snap.Members))
	m.emit(Event{Kind: EventChanged, Session: snap})
	m.sendTo(rec.ctx, protocol.TypeJoin, m.remoteMembers(snap), protocol.JoinPayload{SessionID: id}, nil)
	return snap, nil
}

// EndSession moves an active session to ending, tells its members and
// closes it once every delivery has been attempted. It does not wait for
// that to happen. A session still forming is discarded at once and the
// peers it was announced to are told to drop it.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	return m.finish(ctx, id, protocol.TypeSessionEnd, protocol.SessionEndPayload{SessionID: id})
}

// LeaveSession withdraws the local peer from an active session. The other
// members keep the session; locally it closes.
func (m *Manager) LeaveSession(ctx context.Context, id string) error {
	return m.finish(ctx, id, protocol.TypeLeave, protocol.LeavePayload{SessionID: id})
}

func (m *Manager) finish(ctx context.Context, id string, typ protocol.Type, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := m.lookup(id)
	if err != nil {
		return fmt.Errorf("%s %s: %w", typ, id, err)
	}
	rec.mu.Lock()
	switch {
	case rec.s.State >= StateEnding:
		rec.mu.Unlock()
		return fmt.Errorf("%s %s: %w", typ, id, ErrSessionClosed)
	case !rec.s.Joined:
		rec.mu.Unlock()
		return fmt.Errorf("%s %s: %w", typ, id, ErrNotMember)
	case rec.s.State == StateForming && typ == protocol.TypeSessionEnd:
		snap := rec.s.clone()
		rec.mu.Unlock()
		m.drop(rec)
		m.log.Info("session discarded", zap.String("session", id), zap.String("by", m.local))
		m.emit(Event{Kind: EventRemoved, Session: snap})
		m.broadcast(m.ctx, typ, payload)
		return nil
	case rec.s.State != StateActive:
		st := rec.s.State
		rec.mu.Unlock()
		return fmt.Errorf("%s %s: %w: %s -> %s", typ, id, ErrInvalidTransition, st, StateEnding)
	}
	rec.s.State = StateEnding
	snap := rec.s.clone()
	rec.mu.Unlock()

	rec.cancel()
	m.log.Info("session ending", zap.String("session", id), zap.Stringer("via", typ))
	m.emit(Event{Kind: EventChanged, Session: snap})
	m.sendTo(m.ctx, typ, m.remoteMembers(snap), payload, func() { m.close(rec) })
	return nil
}

func (m *Manager) close(rec *record) {
	rec.mu.Lock()
	if rec.s.State != StateEnding {
		rec.mu.Unlock()
		return
	}
	rec.s.State = StateClosed
	snap := rec.s.clone()
	rec.mu.Unlock()

	m.drop(rec)
	m.log.Info("session closed", zap.String("session", snap.ID))
	m.emit(Event{Kind: EventChanged, Session: snap})
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (Session, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.s.clone(), nil
}

// List returns every open session, oldest first.
func (m *Manager) List() []Session {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.sessions))
	for _, rec := range m.sessions {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.s.clone())
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ---- inbound ----

// HandleEnvelope applies a session message received from the mesh. It never
// blocks on the network.
func (m *Manager) HandleEnvelope(env *protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.TypeSessionStart:
		var p protocol.SessionStartPayload
		if err = m.out.DecodePayload(env, &p); err == nil {
			m.handleStart(env, p)
		}
	case protocol.TypeJoin:
		var p protocol.JoinPayload
		if err = m.out.DecodePayload(env, &p); err == nil {
			m.handleJoin(env, p)
		}
	case protocol.TypeLeave:
		var p protocol.LeavePayload
		if err = m.out.DecodePayload(env, &p); err == nil {
			m.handleLeave(env, p)
		}
	case protocol.TypeSessionEnd:
		var p protocol.SessionEndPayload
		if err = m.out.DecodePayload(env, &p); err == nil {
			m.handleEnd(env, p)
		}
	}
	if err != nil {
		m.log.Debug("drop session message", zap.String("from", env.From), zap.Stringer("type", env.Type), zap.Error(err))
	}
}

func (m *Manager) handleStart(env *protocol.Envelope, p protocol.SessionStartPayload) {
	if p.SessionID == "" || m.closed(p.SessionID) {
		return
	}
	initiator := p.Initiator
	if initiator == "" {
		initiator = env.From
	}
	var members []string
	for _, id := range p.Members {
		if id != m.local && m.known(id) {
			members = append(members, id)
		}
	}
	if len(members) == 0 && m.known(initiator) && initiator != m.local {
		members = []string{initiator}
	}
	s := Session{
		ID:        p.SessionID,
		Initiator: initiator,
		Members:   members,
		CreatedAt: time.UnixMilli(p.CreatedAt),
		State:     StateForming,
	}

	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; ok {
		m.mu.Unlock()
		return
	}
	m.sessions[s.ID] = m.newRecord(s)
	m.mu.Unlock()

	m.log.Info("session announced", zap.String("session", s.ID), zap.String("initiator", initiator))
	m.emit(Event{Kind: EventChanged, Session: s.clone()})
}

func (m *Manager) handleJoin(env *protocol.Envelope, p protocol.JoinPayload) {
	rec := m.get(p.SessionID)
	if rec == nil || !m.known(env.From) {
		m.log.Debug("join for unknown session or peer", zap.String("session", p.SessionID), zap.String("from", env.From))
		return
	}
	rec.mu.Lock()
	if rec.s.State >= StateEnding || !rec.s.Joined {
		rec.mu.Unlock()
		return
	}
	added := addMember(&rec.s, env.From)
	var introduced []string
	if p.Ack {
		for _, id := range p.Members {
			if id != env.From && m.known(id) && addMember(&rec.s, id) {
				introduced = append(introduced, id)
			}
		}
	}
	activated := rec.s.State == StateForming
	if activated {
		rec.s.State = StateActive
	}
	snap := rec.s.clone()
	rec.mu.Unlock()

	if activated {
		m.log.Info("session active", zap.String("session", snap.ID), zap.Strings("members", snap.Members))
	}
	if added || activated || len(introduced) > 0 {
		m.emit(Event{Kind: EventChanged, Session: snap})
	}
	if !p.Ack {
		if added {
			m.emit(Event{Kind: EventMemberJoined, Session: snap, Peer: env.From})
		}
		m.sendTo(rec.ctx, protocol.TypeJoin, []string{env.From},
			protocol.JoinPayload{SessionID: snap.ID, Ack: true, Members: snap.Members}, nil)
	}
	// members we only learned from the ack have not heard of us yet
	if len(introduced) > 0 {
		m.sendTo(rec.ctx, protocol.TypeJoin, introduced, protocol.JoinPayload{SessionID: snap.ID}, nil)
	}
}

func (m *Manager) handleLeave(env *protocol.Envelope, p protocol.LeavePayload) {
	rec := m.get(p.SessionID)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	removed := rec.s.State < StateClosed && removeMember(&rec.s, env.From)
	snap := rec.s.clone()
	rec.mu.Unlock()
	if removed {
		m.log.Info("member left session", zap.String("session", snap.ID), zap.String("peer", env.From))
		m.emit(Event{Kind: EventChanged, Session: snap})
	}
}

func (m *Manager) handleEnd(env *protocol.Envelope, p protocol.SessionEndPayload) {
	rec := m.get(p.SessionID)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	if !rec.s.HasMember(env.From) && rec.s.Initiator != env.From {
		rec.mu.Unlock()
		m.log.Debug("session end from non-member", zap.String("session", p.SessionID), zap.String("from", env.From))
		return
	}
	switch rec.s.State {
	case StateForming:
		snap := rec.s.clone()
		rec.mu.Unlock()
		m.drop(rec)
		m.log.Info("session discarded", zap.String("session", snap.ID), zap.String("by", env.From))
		m.emit(Event{Kind: EventRemoved, Session: snap})
	case StateActive:
		rec.s.State = StateEnding
		ending := rec.s.clone()
		rec.s.State = StateClosed
		closed := rec.s.clone()
		rec.mu.Unlock()
		m.drop(rec)
		m.log.Info("session ended by peer", zap.String("session", closed.ID), zap.String("by", env.From))
		m.emit(Event{Kind: EventChanged, Session: ending})
		m.emit(Event{Kind: EventChanged, Session: closed})
	default:
		rec.mu.Unlock()
	}
}

func (m *Manager) onPeerEvent(ev peers.Event) {
	if ev.Kind != peers.EventEvicted {
		return
	}
	m.mu.RLock()
	recs := make([]*record, 0, len(m.sessions))
	for _, rec := range m.sessions {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	for _, rec := range recs {
		rec.mu.Lock()
		removed := removeMember(&rec.s, ev.Peer.ID)
		snap := rec.s.clone()
		rec.mu.Unlock()
		if removed {
			m.log.Info("evicted peer removed from session", zap.String("session", snap.ID), zap.String("peer", ev.Peer.ID))
			m.emit(Event{Kind: EventChanged, Session: snap})
		}
	}
}
