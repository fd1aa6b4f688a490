package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/types"
)

// View maps an event id to its memberships.
type View map[string]*types.EventMembers

func (v View) clone() View {
	out := make(View, len(v))
	for id, m := range v {
		out[id] = &types.EventMembers{
			Pending:  append([]types.Member{}, m.Pending...),
			Accepted: append([]types.Member{}, m.Accepted...),
			Rejected: append([]types.Member{}, m.Rejected...),
		}
	}
	return out
}

// Sink receives every published view. It is called from the reconciler
// goroutine and must not block for long.
type Sink func(View)

type source int

const (
	hostedSource source = iota
	rsvpSource
	membershipSource
)

type update struct {
	source source
	sub    *subscription
	status types.MembershipStatus
	change database.Change
	closed bool
}

// subscription holds the three membership watches of one event. Only the
// host of the event sees every membership; other users see the attendees
// and their own request.
type subscription struct {
	eventId  string
	hosted   bool
	watchers []*database.Watcher
}

func (s *subscription) visible(status types.MembershipStatus, memberId, viewer string) bool {
	return s.hosted || status == types.StatusAccepted || memberId == viewer
}

func (s *subscription) release() {
	for _, w := range s.watchers {
		w.Close()
	}
}

// Reconciler keeps the membership view of every event a user hosts or has
// RSVP'd to. It watches the user's hosted events and rsvp pointers and
// attaches one watch per membership status for every event in the union,
// releasing them as soon as the event leaves it.
type Reconciler struct {
	log      *log.Logger
	store    database.Store
	userId   string
	profiles *ProfileCache
	sink     Sink

	updates chan update
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	top     []*database.Watcher

	// owned by the run loop
	hosted map[string]struct{}
	rsvped map[string]struct{}
	subs   map[string]*subscription
	view   View
}

func NewReconciler(logger *log.Logger, store database.Store, userId string, profiles *ProfileCache, sink Sink) *Reconciler {
	return &Reconciler{
		log:      logger,
		store:    store,
		userId:   userId,
		profiles: profiles,
		sink:     sink,
		updates:  make(chan update),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		hosted:   make(map[string]struct{}),
		rsvped:   make(map[string]struct{}),
		subs:     make(map[string]*subscription),
		view:     make(View),
	}
}

// Start attaches the top-level watches and runs the reconciler until Close
// or until ctx is done.
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("reconciler already started")
	}
	err := r.start(ctx)
	if err != nil {
		close(r.done)
	}
	return err
}

func (r *Reconciler) start(ctx context.Context) error {
	hosted, err := r.store.Watch(ctx, types.EventsCollection, database.Query{}.WhereEqual("host", r.userId))
	if err != nil {
		return fmt.Errorf("watch hosted events: %w", err)
	}
	rsvps, err := r.store.Watch(ctx, types.RsvpPointersCollection(r.userId), database.Query{})
	if err != nil {
		hosted.Close()
		return fmt.Errorf("watch rsvps: %w", err)
	}
	r.top = []*database.Watcher{hosted, rsvps}

	go r.forward(hosted, update{source: hostedSource})
	go r.forward(rsvps, update{source: rsvpSource})
	go r.run(ctx)
	return nil
}

// forward relays the changes of w into the run loop, tagged like tmpl.
func (r *Reconciler) forward(w *database.Watcher, tmpl update) {
	for c := range w.Changes() {
		u := tmpl
		u.change = c
		select {
		case r.updates <- u:
		case <-r.done:
			return
		}
	}
	tmpl.closed = true
	select {
	case r.updates <- tmpl:
	case <-r.done:
	}
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)
	defer func() {
		for _, w := range r.top {
			w.Close()
		}
		for id, sub := range r.subs {
			sub.release()
			delete(r.subs, id)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case u := <-r.updates:
			if !r.handle(ctx, u) {
				return
			}
		}
	}
}

// handle applies one update and reports whether the reconciler should keep
// running.
func (r *Reconciler) handle(ctx context.Context, u update) bool {
	switch u.source {
	case hostedSource, rsvpSource:
		if u.closed {
			r.log.Printf("hub %s: top-level watch closed", r.userId)
			return false
		}
		set := r.hosted
		if u.source == rsvpSource {
			set = r.rsvped
		}
		if u.change.Type == database.ChangeRemoved {
			delete(set, u.change.Doc.ID)
		} else {
			set[u.change.Doc.ID] = struct{}{}
		}
		r.reconcile(ctx)
	case membershipSource:
		if r.subs[u.sub.eventId] != u.sub {
			// stale change from a released subscription
			return true
		}
		if u.closed {
			r.log.Printf("hub %s: membership watch of %s closed", r.userId, u.sub.eventId)
			u.sub.release()
			delete(r.subs, u.sub.eventId)
			return true
		}
		r.patch(ctx, u.sub, u.status, u.change)
	}
	r.publish()
	return true
}

// reconcile diffs the watched event set against the open subscriptions.
func (r *Reconciler) reconcile(ctx context.Context) {
	want := make(map[string]struct{}, len(r.hosted)+len(r.rsvped))
	for id := range r.hosted {
		want[id] = struct{}{}
	}
	for id := range r.rsvped {
		want[id] = struct{}{}
	}

	for id, sub := range r.subs {
		if _, ok := want[id]; !ok {
			sub.release()
			delete(r.subs, id)
			delete(r.view, id)
		}
	}
	for id := range want {
		_, hosted := r.hosted[id]
		if sub, ok := r.subs[id]; ok {
			if sub.hosted == hosted {
				continue
			}
			// the scope of the view changed, rebuild it
			sub.release()
			delete(r.subs, id)
			delete(r.view, id)
		}
		sub, err := r.subscribe(ctx, id, hosted)
		if err != nil {
			r.log.Printf("hub %s: subscribe %s: %v", r.userId, id, err)
			continue
		}
		r.subs[id] = sub
		if _, ok := r.view[id]; !ok {
			r.view[id] = &types.EventMembers{Pending: []types.Member{}, Accepted: []types.Member{}, Rejected: []types.Member{}}
		}
	}
}

func (r *Reconciler) subscribe(ctx context.Context, eventId string, hosted bool) (*subscription, error) {
	sub := &subscription{eventId: eventId, hosted: hosted}
	for _, st := range types.MembershipStatuses {
		w, err := r.store.Watch(ctx, types.MembershipCollection(eventId, st), database.Query{})
		if err != nil {
			sub.release()
			return nil, err
		}
		sub.watchers = append(sub.watchers, w)
	}
	for i, st := range types.MembershipStatuses {
		go r.forward(sub.watchers[i], update{source: membershipSource, sub: sub, status: st})
	}
	return sub, nil
}

func (r *Reconciler) list(eventId string, status types.MembershipStatus) *[]types.Member {
	m := r.view[eventId]
	switch status {
	case types.StatusAccepted:
		return &m.Accepted
	case types.StatusRejected:
		return &m.Rejected
	default:
		return &m.Pending
	}
}

// patch applies a single membership change to the view.
func (r *Reconciler) patch(ctx context.Context, sub *subscription, status types.MembershipStatus, c database.Change) {
	if !sub.visible(status, c.Doc.ID, r.userId) {
		return
	}
	members := r.list(sub.eventId, status)
	idx := -1
	for i, m := range *members {
		if m.UserId == c.Doc.ID {
			idx = i
			break
		}
	}

	if c.Type == database.ChangeRemoved {
		if idx >= 0 {
			*members = append((*members)[:idx], (*members)[idx+1:]...)
		}
		return
	}

	m, err := types.Decode[types.Membership](c.Doc)
	if err != nil {
		r.log.Printf("hub %s: %v", r.userId, err)
		return
	}
	member := types.NewMember(m, status)
	if r.profiles != nil {
		p, err := r.profiles.Get(ctx, m.UserId)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Printf("hub %s: profile %s: %v", r.userId, m.UserId, err)
		}
		member.Profile = p
	}

	if idx >= 0 {
		(*members)[idx] = member
	} else {
		*members = append(*members, member)
	}
}

func (r *Reconciler) publish() {
	if r.sink != nil {
		r.sink(r.view.clone())
	}
}

// Close releases every watch. No view is published after Close returns.
func (r *Reconciler) Close() {
	r.once.Do(func() {
		close(r.stop)
	})
	if r.started.Load() {
		<-r.done
	}
}

// Done is closed once the reconciler has stopped.
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}
