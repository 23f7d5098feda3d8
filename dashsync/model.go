package dashsync

// Hub and event names as published by the status service.
const (
	HubName = "deviceStatus"

	TopicDeviceUpdated = "deviceUpdated"
	TopicUserUpdated   = "userUpdated"
	TopicUserDeleted   = "userDeleted"
)

const (
	DeviceStatusOnline  = "online"
	DeviceStatusOffline = "offline"
	DeviceStatusUnknown = "unknown"
)

// Entity is anything a collection can synchronize.
// The key is unique within a collection and stable across updates.
type Entity interface {
	EntityKey() string
}

type Conversation struct {
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type Device struct {
	DeviceId         string        `json:"deviceId"`
	Status           string        `json:"status"`
	LastSeen         string        `json:"lastSeen,omitempty"`
	LastConversation *Conversation `json:"lastConversation,omitempty"`
}

func (self Device) EntityKey() string {
	return self.DeviceId
}

type ProactiveTask struct {
	Time string `json:"time"`
	Task string `json:"task"`
}

type User struct {
	Id             string          `json:"id"`
	Name           string          `json:"name"`
	Nickname       string          `json:"nickname"`
	RoomNumber     string          `json:"roomNumber,omitempty"`
	DeviceId       string          `json:"deviceId"`
	ProactiveTasks []ProactiveTask `json:"proactiveTasks,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      string          `json:"createdAt,omitempty"`
	UpdatedAt      string          `json:"updatedAt,omitempty"`
	IsActive       bool            `json:"isActive,omitempty"`
}

func (self User) EntityKey() string {
	return self.Id
}

// payload of a `userDeleted` event. The service sends only the id.
type UserDeletedEvent struct {
	Id string `json:"id"`
}
