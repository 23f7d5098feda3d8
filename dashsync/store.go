package dashsync

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/golang/glog"
)

// PullFunc fetches the full snapshot of a collection.
type PullFunc[E Entity] func(ctx context.Context) ([]E, error)

// one incremental mutation decoded from an event frame
type collectionOp[E Entity] struct {
	upsert    *E
	deleteKey string
}

type eventBinding[E Entity] struct {
	topic  string
	decode func(arguments []json.RawMessage) ([]collectionOp[E], error)
}

// MergeFunc folds an incoming event entity over the stored one, for
// collections whose events may carry partial records. Nil means the
// incoming entity replaces the stored one whole.
type MergeFunc[E Entity] func(existing E, incoming E) E

// CollectionSync reconciles one collection from two sources, full pull
// snapshots and incremental push events.
//
// A load replaces the collection. At most one fetch is in flight, a
// newer load cancels and supersedes an older one, and a superseded
// fetch that resolves late is discarded whatever its outcome. Events
// arriving while a fetch is in flight are buffered on that fetch and
// replayed in arrival order on top of its outcome, so a snapshot can
// never clobber a newer push update. On a failed fetch the previous
// collection stays visible next to the classified error.
type CollectionSync[E Entity] struct {
	ctx    context.Context
	cancel context.CancelFunc

	name     string
	pull     PullFunc[E]
	channel  *Channel
	bindings []eventBinding[E]
	merge    MergeFunc[E]

	stateLock       sync.Mutex
	entries         []E
	loading         bool
	lastErr         error
	session         *fetchSession[E]
	channelReady    bool
	disposers       []func()
	changeCallbacks *CallbackList[ChangeFunction]
}

// one pull in flight. pending is guarded by the store stateLock.
type fetchSession[E Entity] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	pending []collectionOp[E]
}

func newCollectionSync[E Entity](
	ctx context.Context,
	name string,
	pull PullFunc[E],
	channel *Channel,
	bindings []eventBinding[E],
	merge MergeFunc[E],
) *CollectionSync[E] {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CollectionSync[E]{
		ctx:             cancelCtx,
		cancel:          cancel,
		name:            name,
		pull:            pull,
		channel:         channel,
		bindings:        bindings,
		merge:           merge,
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

// Collection returns a copy of the current entries in stable order,
// pull order with first seen entities appended.
func (self *CollectionSync[E]) Collection() []E {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.entries)
}

func (self *CollectionSync[E]) Get(key string) (E, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.entries, func(existing E) bool {
		return existing.EntityKey() == key
	})
	if i < 0 {
		var empty E
		return empty, false
	}
	return self.entries[i], true
}

func (self *CollectionSync[E]) IsLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.loading
}

// LastError is the classified error of the most recent failed fetch or
// write, nil after a success or while nothing failed.
func (self *CollectionSync[E]) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastErr
}

// ErrorMessage is the user facing text for LastError, empty while healthy.
func (self *CollectionSync[E]) ErrorMessage() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.lastErr == nil {
		return ""
	}
	return KindOf(self.lastErr).UserMessage()
}

// AddChangeCallback registers a callback fired after any observable
// change. The returned disposer removes it.
func (self *CollectionSync[E]) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// Load starts a refresh in the background. See LoadSync.
func (self *CollectionSync[E]) Load() {
	go self.LoadSync(self.ctx)
}

// LoadSync replaces the collection with a fresh snapshot and, on the
// first success, brings up the push subscriptions. After Cleanup a load
// is a no op.
func (self *CollectionSync[E]) LoadSync(ctx context.Context) error {
	self.stateLock.Lock()
	if self.ctx.Err() != nil {
		self.stateLock.Unlock()
		return nil
	}
	sessionCtx, sessionCancel := context.WithCancel(ctx)
	session := &fetchSession[E]{
		ctx:    sessionCtx,
		cancel: sessionCancel,
	}
	if previous := self.session; previous != nil {
		previous.cancel()
		// events buffered for the superseded fetch belong to this one now
		session.pending = previous.pending
		previous.pending = nil
	}
	self.session = session
	self.loading = true
	self.lastErr = nil
	self.stateLock.Unlock()
	self.fireChange()

	entries, err := self.pull(session.ctx)
	sessionCancel()

	self.stateLock.Lock()
	if self.session != session {
		// superseded. A late resolution, success or failure, is discarded.
		self.stateLock.Unlock()
		glog.V(1).Infof("[sync]%s discarding superseded fetch\n", self.name)
		return nil
	}
	self.session = nil
	self.loading = false

	if err != nil && KindOf(err) == ErrorKindNotFound {
		// an empty backing collection, not a failure
		entries = nil
		err = nil
	}

	if err != nil {
		if KindOf(err) == ErrorKindCancelled {
			// events observed during the flight still apply
			self.applyLocked(session.pending)
			self.stateLock.Unlock()
			glog.V(1).Infof("[sync]%s fetch cancelled\n", self.name)
			self.fireChange()
			return nil
		}
		self.lastErr = err
		// the previous collection stays visible. Buffered events still
		// apply so that push state is not lost behind a failed pull.
		self.applyLocked(session.pending)
		self.stateLock.Unlock()
		glog.Infof("[sync]%s fetch error = %s\n", self.name, err)
		self.fireChange()
		return err
	}

	self.entries = slices.Clone(entries)
	self.applyLocked(session.pending)
	self.stateLock.Unlock()
	self.fireChange()

	self.ensureChannel()
	return nil
}

// Cleanup cancels any in flight fetch, removes the subscriptions,
// releases the channel, and empties the collection. Cleanup is
// terminal and safe to call repeatedly or before any load.
func (self *CollectionSync[E]) Cleanup() {
	self.stateLock.Lock()
	self.cancel()
	if self.session != nil {
		self.session.cancel()
		self.session = nil
	}
	disposers := self.disposers
	self.disposers = nil
	wasReady := self.channelReady
	self.channelReady = false
	self.entries = nil
	self.loading = false
	self.lastErr = nil
	self.stateLock.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	if wasReady {
		self.channel.Release()
	}
	self.fireChange()
}

// apply merges event ops, or buffers them when a fetch is in flight.
func (self *CollectionSync[E]) apply(ops []collectionOp[E]) {
	if len(ops) == 0 {
		return
	}
	self.stateLock.Lock()
	if self.ctx.Err() != nil {
		// a dispatch can still land between Cleanup and its disposers
		self.stateLock.Unlock()
		return
	}
	if self.session != nil {
		self.session.pending = append(self.session.pending, ops...)
		self.stateLock.Unlock()
		glog.V(2).Infof("[sync]%s buffered %d ops during fetch\n", self.name, len(ops))
		return
	}
	self.applyLocked(ops)
	self.stateLock.Unlock()
	self.fireChange()
}

// caller holds stateLock. Upsert replaces in place or appends first
// seen entities, delete removes by key and tolerates absent keys.
func (self *CollectionSync[E]) applyLocked(ops []collectionOp[E]) {
	for _, op := range ops {
		if op.upsert != nil {
			entry := *op.upsert
			key := entry.EntityKey()
			i := slices.IndexFunc(self.entries, func(existing E) bool {
				return existing.EntityKey() == key
			})
			if 0 <= i {
				if self.merge != nil {
					entry = self.merge(self.entries[i], entry)
				}
				self.entries[i] = entry
			} else {
				self.entries = append(self.entries, entry)
			}
		} else if op.deleteKey != "" {
			self.entries = slices.DeleteFunc(self.entries, func(existing E) bool {
				return existing.EntityKey() == op.deleteKey
			})
		}
	}
}

// ensureChannel brings up the push subscriptions once. Failure is
// logged and retried on the next load, the snapshot alone still serves.
func (self *CollectionSync[E]) ensureChannel() {
	self.stateLock.Lock()
	ready := self.channelReady
	self.stateLock.Unlock()
	if ready {
		return
	}

	if err := self.channel.Acquire(self.ctx); err != nil {
		glog.Infof("[sync]%s channel acquire error = %s\n", self.name, err)
		return
	}

	self.stateLock.Lock()
	if self.channelReady {
		// lost the race to a concurrent load
		self.stateLock.Unlock()
		self.channel.Release()
		return
	}
	self.channelReady = true
	for _, binding := range self.bindings {
		binding := binding
		dispose := self.channel.Subscribe(binding.topic, func(arguments []json.RawMessage) {
			ops, err := binding.decode(arguments)
			if err != nil {
				glog.Infof("[sync]%s dropping %s event = %s\n", self.name, binding.topic, err)
				return
			}
			self.apply(ops)
		})
		self.disposers = append(self.disposers, dispose)
	}
	self.stateLock.Unlock()
}

// a failed write surfaces on the store error so that the ui shows one
// consistent retry affordance. Cancellation is not an error state.
func (self *CollectionSync[E]) observeWrite(err error) error {
	if err == nil || KindOf(err) == ErrorKindCancelled {
		return err
	}
	self.stateLock.Lock()
	self.lastErr = err
	self.stateLock.Unlock()
	self.fireChange()
	return err
}

func (self *CollectionSync[E]) fireChange() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[sync]%s change callback panic = %v\n", self.name, r)
				}
			}()
			changeCallback()
		}()
	}
}

// NewDeviceSync synchronizes the device collection. A device event
// carries the full list of changed devices in its first argument.
func NewDeviceSync(ctx context.Context, api *AdminApi, channel *Channel) *CollectionSync[Device] {
	pull := func(ctx context.Context) ([]Device, error) {
		result, err := api.GetDevicesSync(ctx)
		if err != nil {
			return nil, err
		}
		return result.Devices, nil
	}
	bindings := []eventBinding[Device]{
		{
			topic:  TopicDeviceUpdated,
			decode: decodeDeviceUpdated,
		},
	}
	return newCollectionSync(ctx, "devices", pull, channel, bindings, mergeDevice)
}

// a batched device event may carry partial records, absent fields keep
// their last known values
func mergeDevice(existing Device, incoming Device) Device {
	if incoming.Status == "" {
		incoming.Status = existing.Status
	}
	if incoming.LastSeen == "" {
		incoming.LastSeen = existing.LastSeen
	}
	if incoming.LastConversation == nil {
		incoming.LastConversation = existing.LastConversation
	}
	return incoming
}

func decodeDeviceUpdated(arguments []json.RawMessage) ([]collectionOp[Device], error) {
	if len(arguments) == 0 {
		return nil, errors.New("missing device list argument")
	}
	var devices []Device
	if err := json.Unmarshal(arguments[0], &devices); err != nil {
		return nil, err
	}
	ops := []collectionOp[Device]{}
	for i := range devices {
		device := devices[i]
		if device.DeviceId == "" {
			glog.V(1).Infof("[sync]devices skipping entry without id\n")
			continue
		}
		ops = append(ops, collectionOp[Device]{upsert: &device})
	}
	return ops, nil
}

// UserSync adds the write operations to the user collection. Writes go
// straight to the service and are not applied locally, the change comes
// back as a push event, so a read after a successful write may briefly
// return the old state.
type UserSync struct {
	*CollectionSync[User]

	api *AdminApi
}

func NewUserSync(ctx context.Context, api *AdminApi, channel *Channel) *UserSync {
	pull := func(ctx context.Context) ([]User, error) {
		result, err := api.GetUsersSync(ctx)
		if err != nil {
			return nil, err
		}
		return result.Users, nil
	}
	bindings := []eventBinding[User]{
		{
			topic:  TopicUserUpdated,
			decode: decodeUserUpdated,
		},
		{
			topic:  TopicUserDeleted,
			decode: decodeUserDeleted,
		},
	}
	return &UserSync{
		// a user event carries the full record, so it replaces whole
		CollectionSync: newCollectionSync(ctx, "users", pull, channel, bindings, nil),
		api:            api,
	}
}

func (self *UserSync) Create(ctx context.Context, createUser *CreateUserArgs) (*User, error) {
	user, err := self.api.CreateUserSync(ctx, createUser)
	return user, self.observeWrite(err)
}

func (self *UserSync) Update(ctx context.Context, userId string, updateUser *UpdateUserArgs) (*User, error) {
	user, err := self.api.UpdateUserSync(ctx, userId, updateUser)
	return user, self.observeWrite(err)
}

func (self *UserSync) Remove(ctx context.Context, userId string) error {
	_, err := self.api.RemoveUserSync(ctx, userId)
	return self.observeWrite(err)
}

func decodeUserUpdated(arguments []json.RawMessage) ([]collectionOp[User], error) {
	if len(arguments) == 0 {
		return nil, errors.New("missing user argument")
	}
	var user User
	if err := json.Unmarshal(arguments[0], &user); err != nil {
		return nil, err
	}
	if user.Id == "" {
		return nil, errors.New("user event missing id")
	}
	return []collectionOp[User]{{upsert: &user}}, nil
}

func decodeUserDeleted(arguments []json.RawMessage) ([]collectionOp[User], error) {
	if len(arguments) == 0 {
		return nil, errors.New("missing user id argument")
	}
	var event UserDeletedEvent
	if err := json.Unmarshal(arguments[0], &event); err != nil {
		return nil, err
	}
	if event.Id == "" {
		return nil, errors.New("user deleted event missing id")
	}
	return []collectionOp[User]{{deleteKey: event.Id}}, nil
}
