package dashsync

import (
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type NotificationKind string

const (
	NotificationSuccess NotificationKind = "success"
	NotificationError   NotificationKind = "error"
)

type Notification struct {
	Id      int64
	Kind    NotificationKind
	Message string
}

type NotificationQueueSettings struct {
	SuccessTtl time.Duration
	ErrorTtl   time.Duration
}

func DefaultNotificationQueueSettings() *NotificationQueueSettings {
	return &NotificationQueueSettings{
		SuccessTtl: 3 * time.Second,
		ErrorTtl:   5 * time.Second,
	}
}

// NotificationQueue holds transient ui notifications that expire on
// their own. Ids are monotonic and never reused, 0 is never a live id.
// Dismiss and expiry race safely, whichever runs second is a no-op.
type NotificationQueue struct {
	settings *NotificationQueueSettings

	stateLock       sync.Mutex
	nextId          int64
	notifications   []Notification
	timers          map[int64]*time.Timer
	closed          bool
	changeCallbacks *CallbackList[ChangeFunction]
}

func NewNotificationQueue() *NotificationQueue {
	return NewNotificationQueueWithSettings(DefaultNotificationQueueSettings())
}

func NewNotificationQueueWithSettings(settings *NotificationQueueSettings) *NotificationQueue {
	return &NotificationQueue{
		settings:        settings,
		timers:          map[int64]*time.Timer{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *NotificationQueue) ShowSuccess(message string) int64 {
	return self.Show(NotificationSuccess, message, self.settings.SuccessTtl)
}

func (self *NotificationQueue) ShowError(message string) int64 {
	return self.Show(NotificationError, message, self.settings.ErrorTtl)
}

// Show enqueues a notification that dismisses itself after ttl.
func (self *NotificationQueue) Show(kind NotificationKind, message string, ttl time.Duration) int64 {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		glog.Warningf("[notify]show after close has no effect\n")
		return 0
	}
	self.nextId += 1
	notificationId := self.nextId
	self.notifications = append(self.notifications, Notification{
		Id:      notificationId,
		Kind:    kind,
		Message: message,
	})
	self.timers[notificationId] = time.AfterFunc(ttl, func() {
		self.dismiss(notificationId)
	})
	self.stateLock.Unlock()

	self.fireChange()
	return notificationId
}

func (self *NotificationQueue) Dismiss(notificationId int64) {
	self.dismiss(notificationId)
}

func (self *NotificationQueue) dismiss(notificationId int64) {
	self.stateLock.Lock()
	timer, ok := self.timers[notificationId]
	if !ok {
		// already dismissed, expired, or closed
		self.stateLock.Unlock()
		return
	}
	delete(self.timers, notificationId)
	timer.Stop()
	self.notifications = slices.DeleteFunc(self.notifications, func(notification Notification) bool {
		return notification.Id == notificationId
	})
	self.stateLock.Unlock()

	self.fireChange()
}

// Notifications returns the visible notifications in show order.
func (self *NotificationQueue) Notifications() []Notification {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.notifications)
}

func (self *NotificationQueue) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// Close stops every pending timer and clears the queue. Further Show
// calls have no effect.
func (self *NotificationQueue) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	for _, timer := range maps.Values(self.timers) {
		timer.Stop()
	}
	maps.Clear(self.timers)
	self.notifications = nil
	self.stateLock.Unlock()

	self.fireChange()
}

func (self *NotificationQueue) fireChange() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[notify]change callback panic = %v\n", r)
				}
			}()
			changeCallback()
		}()
	}
}
