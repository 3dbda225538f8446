package registration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gatherly/eventsite/internal/docstore"
	"github.com/gatherly/eventsite/internal/session"
	"github.com/gatherly/eventsite/internal/shared"
)

// PrincipalSource yields the live signed-in principal. *session.Authority implements it.
type PrincipalSource interface {
	CurrentPrincipal() *session.Principal
}

// Gauge tracks open live subscriptions. prometheus.Gauge satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

// Config wires a Synchronizer.
type Config struct {
	Store         docstore.Store
	Principals    PrincipalSource
	Notifier      session.Notifier
	Logger        *slog.Logger
	Subscriptions Gauge
	Now           func() time.Time
}

// Synchronizer mirrors the registrations collection for one browser session.
// Run is the only writer of the local collection; mutations go to the store
// and come back through the subscription.
type Synchronizer struct {
	store      docstore.Store
	principals PrincipalSource
	notifier   session.Notifier
	logger     *slog.Logger
	gauge      Gauge
	now        func() time.Time

	mu       sync.RWMutex
	entries  []Entry
	loading  bool
	err      error
	watchers map[chan State]struct{}
	done     chan struct{}
	running  bool
}

// NewSynchronizer constructs a Synchronizer in the loading state.
func NewSynchronizer(cfg Config) *Synchronizer {
	s := &Synchronizer{
		store:      cfg.Store,
		principals: cfg.Principals,
		notifier:   cfg.Notifier,
		logger:     cfg.Logger,
		gauge:      cfg.Subscriptions,
		now:        cfg.Now,
		loading:    true,
		watchers:   make(map[chan State]struct{}),
		done:       make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.notifier == nil {
		s.notifier = session.NotifierFunc(func(session.Notification) {})
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type accessKey struct {
	resolved bool
	uid      string
	admin    bool
}

func keyOf(s session.Snapshot) accessKey {
	k := accessKey{resolved: s.Resolved, admin: s.Admin}
	if s.Principal != nil {
		k.uid = s.Principal.UID
	}
	return k
}

// Run follows session snapshots until ctx ends or snapshots closes. An admin
// snapshot opens the live subscription; any change of principal or privilege
// closes the previous one first.
func (s *Synchronizer) Run(ctx context.Context, snapshots <-chan session.Snapshot) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	defer close(s.done)

	var (
		sub     *docstore.Subscription
		pushes  <-chan docstore.Snapshot
		current accessKey
		seen    bool
	)
	teardown := func() {
		if sub == nil {
			return
		}
		sub.Close()
		sub = nil
		pushes = nil
		if s.gauge != nil {
			s.gauge.Dec()
		}
	}
	defer teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			key := keyOf(snap)
			if seen && key == current {
				continue
			}
			seen = true
			current = key
			teardown()

			switch {
			case !snap.Resolved:
				s.setState(nil, true, nil)
			case snap.Principal != nil && snap.Admin:
				s.setLoading()
				opened, err := s.store.Subscribe(withCaller(ctx, snap.Principal), docstore.Query{
					Collection: Collection,
					OrderBy:    FieldSubmittedAt,
					Descending: true,
				})
				if err != nil {
					s.subscriptionFailed(err)
					continue
				}
				sub = opened
				pushes = opened.C
				if s.gauge != nil {
					s.gauge.Inc()
				}
			default:
				s.setState(nil, false, nil)
			}
		case push, ok := <-pushes:
			if !ok {
				teardown()
				continue
			}
			if push.Err != nil {
				teardown()
				s.subscriptionFailed(push.Err)
				continue
			}
			s.apply(push.Docs)
		}
	}
}

func (s *Synchronizer) apply(docs []docstore.Document) {
	entries := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, s.decode(doc))
	}
	SortEntries(entries)
	s.setState(entries, false, nil)
}

// subscriptionFailed keeps the last good collection unless the store refused
// access, in which case nothing may stay visible.
func (s *Synchronizer) subscriptionFailed(err error) {
	s.logger.Error("registration subscription", slog.Any("error", err))
	typed := shared.NewError(shared.KindSubscription, "Live updates of registrations stopped. Reload the page to try again.", err)
	s.mu.Lock()
	if docstore.IsPermissionDenied(err) {
		s.entries = nil
	}
	s.loading = false
	s.err = typed
	s.broadcastLocked()
	s.mu.Unlock()
	s.notifier.Notify(session.Notification{Kind: session.NotifyError, Message: typed.Message})
}

func (s *Synchronizer) setState(entries []Entry, loading bool, err error) {
	s.mu.Lock()
	s.entries = entries
	s.loading = loading
	s.err = err
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *Synchronizer) setLoading() {
	s.mu.Lock()
	s.entries = nil
	s.loading = true
	s.err = nil
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *Synchronizer) decode(doc docstore.Document) Entry {
	d := doc.Data
	e := Entry{
		ID:                        doc.ID,
		FullName:                  stringField(d, FieldFullName),
		Email:                     stringField(d, FieldEmail),
		Phone:                     stringField(d, FieldPhone),
		Category:                  Category(stringField(d, FieldCategory)),
		Address:                   stringField(d, FieldAddress),
		Expectations:              stringField(d, FieldExpectations),
		PaymentScreenshotFilename: stringField(d, FieldPaymentScreenshotFilename),
		PaymentScreenshotKey:      stringField(d, FieldPaymentScreenshotKey),
		OwnerID:                   stringField(d, FieldOwnerID),
	}
	e.TermsAccepted, _ = d[FieldTermsAccepted].(bool)
	if e.Category == CategoryFamily {
		n, err := ParseFamilyMembers(d[FieldFamilyMembers])
		if err != nil {
			s.logger.Warn("registration family members", slog.String("id", doc.ID), slog.Any("error", err))
		}
		e.FamilyMembers = n
	}
	at, err := DecodeTimestamp(d[FieldSubmittedAt])
	if err != nil {
		at = s.now().UTC()
		s.logger.Warn("registration submittedAt fallback to now", slog.String("id", doc.ID), slog.Any("error", err))
	}
	e.SubmittedAt = at
	return e
}

func stringField(d map[string]any, key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// SortEntries orders entries by submission time, newest first; ties keep id order.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.After(b.SubmittedAt)
		}
		return a.ID < b.ID
	})
}

func withCaller(ctx context.Context, p *session.Principal) context.Context {
	return docstore.WithCaller(ctx, docstore.Caller{UID: p.UID, Claims: map[string]any(p.Claims)})
}

func (s *Synchronizer) live(ctx context.Context, message string) (context.Context, *session.Principal, error) {
	var p *session.Principal
	if s.principals != nil {
		p = s.principals.CurrentPrincipal()
	}
	if p == nil {
		return ctx, nil, s.fail(shared.NewError(shared.KindNotAuthenticated, message, nil))
	}
	return withCaller(ctx, p), p, nil
}

func (s *Synchronizer) fail(err error) error {
	s.notifier.Notify(session.Notification{Kind: session.NotifyError, Message: shared.UserSafeMessage(err)})
	return err
}

func (s *Synchronizer) persistenceError(action string, err error) error {
	s.logger.Error("registration "+action, slog.Any("error", err))
	return s.fail(shared.NewError(shared.KindPersistence, "Could not "+action+" the registration: "+err.Error(), err))
}

// Submit stores a new registration owned by the signed-in principal and
// returns its id. The local collection only changes through the subscription.
func (s *Synchronizer) Submit(ctx context.Context, form FormValues) (string, error) {
	ctx, p, err := s.live(ctx, "Please sign in before submitting a registration.")
	if err != nil {
		return "", err
	}
	form.FullName = strings.TrimSpace(form.FullName)
	form.Email = strings.TrimSpace(form.Email)
	form.Phone = strings.TrimSpace(form.Phone)
	if form.Category != CategoryFamily {
		form.FamilyMembers = nil
	}
	if err := Validate(form); err != nil {
		return "", s.fail(err)
	}

	data := map[string]any{
		FieldFullName:      form.FullName,
		FieldEmail:         form.Email,
		FieldPhone:         form.Phone,
		FieldCategory:      string(form.Category),
		FieldTermsAccepted: form.TermsAccepted,
		FieldSubmittedAt:   docstore.ServerTimestamp,
		FieldOwnerID:       p.UID,
	}
	if form.FamilyMembers != nil {
		data[FieldFamilyMembers] = *form.FamilyMembers
	}
	if v := strings.TrimSpace(form.Address); v != "" {
		data[FieldAddress] = v
	}
	if v := strings.TrimSpace(form.Expectations); v != "" {
		data[FieldExpectations] = v
	}
	if a := form.PaymentScreenshot; a != nil && a.Name != "" {
		data[FieldPaymentScreenshotFilename] = a.Name
		if a.Key != "" {
			data[FieldPaymentScreenshotKey] = a.Key
		}
	}

	id, err := s.store.Insert(ctx, Collection, data)
	if err != nil {
		return "", s.persistenceError("submit", err)
	}
	s.notifier.Notify(session.Notification{Kind: session.NotifySuccess, Message: "Thank you for registering, " + form.FullName + "!"})
	return id, nil
}

// Update applies a partial change. Immutable fields are dropped and the family
// member count is removed whenever the effective category is not family.
func (s *Synchronizer) Update(ctx context.Context, id string, fields map[string]any) error {
	ctx, _, err := s.live(ctx, "Please sign in before editing registrations.")
	if err != nil {
		return err
	}
	patch, err := s.normalizeUpdate(id, fields)
	if err != nil {
		return s.fail(err)
	}
	if err := s.store.Update(ctx, Collection, id, patch); err != nil {
		return s.persistenceError("update", err)
	}
	s.notifier.Notify(session.Notification{Kind: session.NotifySuccess, Message: "Registration updated."})
	return nil
}

func (s *Synchronizer) normalizeUpdate(id string, fields map[string]any) (map[string]any, error) {
	patch := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		switch k {
		case FieldID, FieldSubmittedAt, FieldOwnerID:
			continue
		}
		patch[k] = v
	}

	var category Category
	if raw, ok := patch[FieldCategory]; ok {
		category = Category(strings.TrimSpace(fmt.Sprint(raw)))
		if !category.Valid() {
			return nil, &shared.ValidationError{Fields: map[string]string{FieldCategory: "Choose a registration type."}}
		}
		patch[FieldCategory] = string(category)
	} else if e, ok := s.GetByID(id); ok {
		category = e.Category
	}

	raw, present := patch[FieldFamilyMembers]
	switch {
	case category == CategoryFamily:
		if !present {
			if _, changed := patch[FieldCategory]; !changed {
				break
			}
		}
		n, err := ParseFamilyMembers(raw)
		if err != nil {
			return nil, &shared.ValidationError{Fields: map[string]string{FieldFamilyMembers: "Number of family members must be a number."}}
		}
		if msg := familyMembersMessage(n); msg != "" {
			return nil, &shared.ValidationError{Fields: map[string]string{FieldFamilyMembers: msg}}
		}
		patch[FieldFamilyMembers] = *n
	case category != "":
		patch[FieldFamilyMembers] = docstore.DeleteField
	case present:
		// The entry has not reached the local collection yet, so its stored
		// category is unknown. Only clearing the count is safe without one.
		n, err := ParseFamilyMembers(raw)
		if err != nil {
			return nil, &shared.ValidationError{Fields: map[string]string{FieldFamilyMembers: "Number of family members must be a number."}}
		}
		if n != nil {
			return nil, &shared.ValidationError{Fields: map[string]string{FieldCategory: "Choose the registration type together with the number of family members."}}
		}
		patch[FieldFamilyMembers] = docstore.DeleteField
	}
	return patch, nil
}

// Delete removes the registration permanently.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	ctx, _, err := s.live(ctx, "Please sign in before deleting registrations.")
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, Collection, id); err != nil {
		return s.persistenceError("delete", err)
	}
	s.notifier.Notify(session.Notification{Kind: session.NotifySuccess, Message: "Registration deleted."})
	return nil
}

// GetByID looks id up in the local collection.
func (s *Synchronizer) GetByID(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e.clone(), true
		}
	}
	return Entry{}, false
}

// Entries returns a copy of the local collection in display order.
func (s *Synchronizer) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntries(s.entries)
}

// Loading reports whether the collection is still waiting on identity or the first push.
func (s *Synchronizer) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// State returns the collection, loading flag and last subscription error together.
func (s *Synchronizer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Synchronizer) stateLocked() State {
	return State{Entries: cloneEntries(s.entries), Loading: s.loading, Err: s.err}
}

// Done is closed when Run returns.
func (s *Synchronizer) Done() <-chan struct{} {
	return s.done
}

// Watch delivers the current state and every later change until ctx ends or
// Run returns. Slow readers only see the latest state.
func (s *Synchronizer) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	offerState(ch, s.stateLocked())
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func (s *Synchronizer) broadcastLocked() {
	if len(s.watchers) == 0 {
		return
	}
	st := s.stateLocked()
	for ch := range s.watchers {
		offerState(ch, st)
	}
}

func offerState(ch chan State, st State) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func cloneEntries(in []Entry) []Entry {
	if in == nil {
		return nil
	}
	out := make([]Entry, len(in))
	for i, e := range in {
		out[i] = e.clone()
	}
	return out
}
