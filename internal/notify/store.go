// Package notify holds the client's notification list and its derived
// counts. The Store applies server pushes and snapshots, and performs
// optimistic confirm and delete mutations whose REST calls complete in the
// background.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/courier/internal/loop"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/protocol"
)

// DefaultRequestTimeout bounds each background REST call.
const DefaultRequestTimeout = 30 * time.Second

// Remote is the REST surface behind the store.
type Remote interface {
	FetchNotifications(ctx context.Context) ([]model.Notification, error)
	ConfirmNotification(ctx context.Context, id model.NotificationID) error
	DeleteNotification(ctx context.Context, id model.NotificationID) error
}

// Listener observes the store.
type Listener interface {
	// NotificationsChanged receives a fresh snapshot after every mutation.
	NotificationsChanged(s Snapshot)

	// NotificationArrived is called for each pushed id the store had not
	// seen before.
	NotificationArrived(n model.Notification)

	// Notice reports a failed background request.
	Notice(n model.Notice)
}

// Counts are derived from the records, never tracked separately.
type Counts struct {
	Total     int
	Unread    int
	Pending   int
	Confirmed int
}

// IntentKind is the kind of an optimistic mutation.
type IntentKind string

const (
	IntentConfirm IntentKind = "confirm"
	IntentDelete  IntentKind = "delete"
)

// Intent is an optimistic mutation whose request has not completed yet.
type Intent struct {
	ID   model.NotificationID
	Kind IntentKind
	seq  uint64
}

// Snapshot is an immutable copy of the store's state.
type Snapshot struct {
	Records []model.Notification
	Counts  Counts
	Intents map[model.NotificationID]IntentKind
}

// Config configures a Store.
type Config struct {
	Executor loop.Executor

	// Listener is optional.
	Listener Listener

	// Reconciler merges pushes into known records. Defaults to
	// LastWriteWins.
	Reconciler Reconciler

	RequestTimeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Store is the single source of truth for notifications. It is confined
// to the loop: every method runs inside a turn.
type Store struct {
	exec       loop.Executor
	listener   Listener
	reconciler Reconciler
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger

	remote Remote

	// records are ordered newest first.
	records []model.Notification
	counts  Counts
	intents map[model.NotificationID]Intent

	seq      uint64
	fetchGen uint64

	// gen advances on Reset; completions of an earlier session are dropped.
	gen uint64
}

// NewStore returns an empty Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Executor == nil {
		return nil, errors.New("notify: Executor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reconciler := cfg.Reconciler
	if reconciler == nil {
		reconciler = LastWriteWins{}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		exec:       cfg.Executor,
		listener:   cfg.Listener,
		reconciler: reconciler,
		timeout:    timeout,
		now:        now,
		logger:     logger.With("component", "notify"),
		intents:    make(map[model.NotificationID]Intent),
	}, nil
}

// SetRemote installs the REST client used by later requests. Requests
// already in flight keep the client they started with.
func (s *Store) SetRemote(r Remote) {
	s.remote = r
}

// ApplyPush merges a pushed record into a known one, or prepends it.
func (s *Store) ApplyPush(p model.NotificationPatch) {
	if i := s.indexOf(p.ID); i >= 0 {
		s.records[i] = s.reconciler.Merge(s.records[i], p)
		s.changed()
		return
	}

	n := p.NewNotification()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.records = append([]model.Notification{n}, s.records...)
	s.changed()
	if s.listener != nil {
		s.listener.NotificationArrived(n)
	}
}

// ApplyBulkReplace replaces the whole collection with a server snapshot.
// Duplicate ids keep their first occurrence.
func (s *Store) ApplyBulkReplace(records []model.Notification) {
	seen := make(map[model.NotificationID]struct{}, len(records))
	next := make([]model.Notification, 0, len(records))
	for _, n := range records {
		if _, dup := seen[n.ID]; dup {
			s.logger.Warn("duplicate id in snapshot", "id", n.ID)
			continue
		}
		seen[n.ID] = struct{}{}
		next = append(next, n)
	}
	s.records = next
	s.changed()
}

// ApplyUpdate applies a change made elsewhere to a known record. Updates
// for unknown ids are ignored.
func (s *Store) ApplyUpdate(u protocol.NotificationUpdate) {
	i := s.indexOf(u.NotificationID)
	if i < 0 {
		s.logger.Debug("update for unknown notification", "id", u.NotificationID, "action", u.Action)
		return
	}

	switch u.Action {
	case protocol.ActionDeleted:
		s.remove(i)
	case protocol.ActionConfirmed:
		n := s.records[i]
		if u.Data != nil {
			n = s.reconciler.Merge(n, *u.Data)
		}
		n.Status = model.StatusConfirmed
		if n.ConfirmedAt == nil {
			t := s.now()
			n.ConfirmedAt = &t
		}
		s.records[i] = n
	case protocol.ActionEdited:
		if u.Data == nil {
			return
		}
		s.records[i] = s.reconciler.Merge(s.records[i], *u.Data)
	default:
		s.logger.Warn("unknown update action", "action", u.Action)
		return
	}
	s.changed()
}

// ObserveServerCount compares the server's unread count with the local
// one and refreshes on mismatch.
func (s *Store) ObserveServerCount(count int) {
	if count == s.counts.Unread {
		return
	}
	s.logger.Info("unread count drift", "server", count, "local", s.counts.Unread)
	s.Refresh()
}

// Refresh fetches the full list in the background and applies it as a
// snapshot. Only the most recent fetch is applied.
func (s *Store) Refresh() {
	remote := s.remote
	if remote == nil {
		s.logger.Debug("refresh skipped: no remote")
		return
	}

	s.fetchGen++
	fetchGen, gen := s.fetchGen, s.gen
	timeout := s.timeout
	s.exec.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		records, err := remote.FetchNotifications(ctx)
		s.exec.Post(func() { s.fetched(gen, fetchGen, records, err) })
	})
}

func (s *Store) fetched(gen, fetchGen uint64, records []model.Notification, err error) {
	if gen != s.gen || fetchGen != s.fetchGen {
		s.logger.Debug("dropping stale fetch")
		return
	}
	if err != nil {
		s.logger.Warn("fetching notifications", "error", err)
		s.notice("Could not refresh notifications.")
		return
	}
	s.ApplyBulkReplace(records)
}

// ConfirmOptimistic marks id confirmed now and confirms it on the server
// in the background. It reports whether id was found pending.
func (s *Store) ConfirmOptimistic(id model.NotificationID) bool {
	i := s.indexOf(id)
	if i < 0 || s.records[i].Status == model.StatusConfirmed {
		return false
	}
	s.markConfirmed(i)
	s.send(IntentConfirm, id)
	s.changed()
	return true
}

// DeleteOptimistic removes id now and deletes it on the server in the
// background. A failed request does not bring the record back; the next
// snapshot does.
func (s *Store) DeleteOptimistic(id model.NotificationID) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.remove(i)
	s.send(IntentDelete, id)
	s.changed()
	return true
}

// ConfirmAllPending confirms every pending record. The targets are chosen
// before anything changes, so each one gets exactly one request.
func (s *Store) ConfirmAllPending() int {
	ids := s.idsWithStatus(model.StatusPending)
	if len(ids) == 0 {
		return 0
	}
	for _, id := range ids {
		s.markConfirmed(s.indexOf(id))
		s.send(IntentConfirm, id)
	}
	s.changed()
	return len(ids)
}

// DeleteAllConfirmed deletes every confirmed record, one request each.
func (s *Store) DeleteAllConfirmed() int {
	ids := s.idsWithStatus(model.StatusConfirmed)
	if len(ids) == 0 {
		return 0
	}
	for _, id := range ids {
		s.remove(s.indexOf(id))
		s.send(IntentDelete, id)
	}
	s.changed()
	return len(ids)
}

func (s *Store) idsWithStatus(status model.NotificationStatus) []model.NotificationID {
	var ids []model.NotificationID
	for _, n := range s.records {
		if n.Status == status {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

func (s *Store) markConfirmed(i int) {
	t := s.now()
	s.records[i].Status = model.StatusConfirmed
	s.records[i].ConfirmedAt = &t
}

// send records the intent and issues its request off the loop.
func (s *Store) send(kind IntentKind, id model.NotificationID) {
	remote := s.remote
	if remote == nil {
		s.logger.Warn("no remote; change kept locally only", "id", id, "intent", kind)
		return
	}

	s.seq++
	intent := Intent{ID: id, Kind: kind, seq: s.seq}
	s.intents[id] = intent
	gen, timeout := s.gen, s.timeout

	s.exec.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var err error
		switch kind {
		case IntentConfirm:
			err = remote.ConfirmNotification(ctx, id)
		case IntentDelete:
			err = remote.DeleteNotification(ctx, id)
		}
		s.exec.Post(func() { s.completed(gen, intent, err) })
	})
}

func (s *Store) completed(gen uint64, intent Intent, err error) {
	if gen != s.gen {
		return
	}
	if cur, ok := s.intents[intent.ID]; ok && cur.seq == intent.seq {
		delete(s.intents, intent.ID)
	}

	if err != nil {
		s.logger.Warn("optimistic request failed",
			"id", intent.ID,
			"intent", intent.Kind,
			"error", err,
		)
		switch intent.Kind {
		case IntentConfirm:
			s.notice(fmt.Sprintf("Could not confirm notification %s.", intent.ID))
		case IntentDelete:
			s.notice(fmt.Sprintf("Could not delete notification %s.", intent.ID))
		}
	}
	s.publish()
}

// IsPending reports whether a request for id is still in flight.
func (s *Store) IsPending(id model.NotificationID) bool {
	_, ok := s.intents[id]
	return ok
}

// Reset empties the store at the end of a session. Requests still in
// flight complete silently.
func (s *Store) Reset() {
	s.gen++
	s.fetchGen++
	s.records = nil
	s.intents = make(map[model.NotificationID]Intent)
	s.remote = nil
	s.changed()
}

// Counts returns the derived counts.
func (s *Store) Counts() Counts {
	return s.counts
}

// Records returns a copy of the records, newest first.
func (s *Store) Records() []model.Notification {
	out := make([]model.Notification, len(s.records))
	copy(out, s.records)
	return out
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	intents := make(map[model.NotificationID]IntentKind, len(s.intents))
	for id, in := range s.intents {
		intents[id] = in.Kind
	}
	return Snapshot{Records: s.Records(), Counts: s.counts, Intents: intents}
}

func (s *Store) indexOf(id model.NotificationID) int {
	for i := range s.records {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) remove(i int) {
	s.records = append(s.records[:i], s.records[i+1:]...)
}

// changed recomputes the counts and publishes.
func (s *Store) changed() {
	s.counts = countRecords(s.records)
	s.publish()
}

func (s *Store) publish() {
	if s.listener != nil {
		s.listener.NotificationsChanged(s.Snapshot())
	}
}

func (s *Store) notice(text string) {
	if s.listener != nil {
		s.listener.Notice(model.Notice{Kind: model.NoticeRequestFailed, Text: text})
	}
}

func countRecords(records []model.Notification) Counts {
	c := Counts{Total: len(records)}
	for _, n := range records {
		if !n.IsRead {
			c.Unread++
		}
		switch n.Status {
		case model.StatusPending:
			c.Pending++
		case model.StatusConfirmed:
			c.Confirmed++
		}
	}
	return c
}
