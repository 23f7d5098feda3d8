package dashsync

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("v", "0")
}

// testService doubles the admin service api and its status hub.
// The hub signs and verifies real tokens so that the credential paths
// run end to end.
type testService struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	tokenSecret string

	stateLock        sync.Mutex
	tokenTtl         time.Duration
	devices          []Device
	users            []User
	conns            []*testHubConn
	negotiateCount   int
	failNegotiate    bool
	failDevices      int
	devicesGate      chan struct{}
	devicesEntered   chan struct{}
	negotiateGate    chan struct{}
	negotiateEntered chan struct{}
	issuedTokens     []string
}

type testHubConn struct {
	ws    *websocket.Conn
	token string
}

func newTestService() *testService {
	service := &testService{
		tokenSecret:      "test-hub-secret",
		tokenTtl:         time.Hour,
		devicesEntered:   make(chan struct{}, 16),
		negotiateEntered: make(chan struct{}, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/negotiate", service.negotiate)
	mux.HandleFunc("/devices", service.getDevices)
	mux.HandleFunc("/users", service.usersCollection)
	mux.HandleFunc("/users/", service.userItem)
	mux.HandleFunc("/hub", service.hub)
	service.server = httptest.NewServer(mux)
	return service
}

func (self *testService) Close() {
	self.dropConns()
	self.server.Close()
}

func (self *testService) apiUrl() string {
	return self.server.URL
}

func (self *testService) setDevices(devices []Device) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.devices = slices.Clone(devices)
}

func (self *testService) setUsers(users []User) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.users = slices.Clone(users)
}

func (self *testService) setFailNegotiate(fail bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failNegotiate = fail
}

func (self *testService) setFailDevices(statusCode int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failDevices = statusCode
}

func (self *testService) setTokenTtl(ttl time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.tokenTtl = ttl
}

// stallDevices blocks device fetches until the returned release runs.
// The returned channel signals each fetch that entered the stall.
func (self *testService) stallDevices() (<-chan struct{}, func()) {
	gate := make(chan struct{})
	self.stateLock.Lock()
	self.devicesGate = gate
	self.stateLock.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			self.stateLock.Lock()
			self.devicesGate = nil
			self.stateLock.Unlock()
			close(gate)
		})
	}
	return self.devicesEntered, release
}

// stallNegotiate blocks negotiations until the returned release runs.
// The returned channel signals each negotiation that entered the stall.
func (self *testService) stallNegotiate() (<-chan struct{}, func()) {
	gate := make(chan struct{})
	self.stateLock.Lock()
	self.negotiateGate = gate
	self.stateLock.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			self.stateLock.Lock()
			self.negotiateGate = nil
			self.stateLock.Unlock()
			close(gate)
		})
	}
	return self.negotiateEntered, release
}

func (self *testService) negotiates() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.negotiateCount
}

func (self *testService) connCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.conns)
}

func (self *testService) connTokens() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tokens := []string{}
	for _, conn := range self.conns {
		tokens = append(tokens, conn.token)
	}
	return tokens
}

func (self *testService) tokens() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.issuedTokens)
}

// publish sends one event frame to every hub connection ever accepted.
// Closed connections drop the write, which matches the service fanning
// out only to live connections.
func (self *testService) publish(t *testing.T, target string, argumentValues ...any) {
	t.Helper()

	arguments := []json.RawMessage{}
	for _, value := range argumentValues {
		argBytes, err := json.Marshal(value)
		if err != nil {
			t.Fatal(err)
		}
		arguments = append(arguments, json.RawMessage(argBytes))
	}
	frame, err := json.Marshal(&hubMessage{
		Target:    target,
		Arguments: arguments,
	})
	if err != nil {
		t.Fatal(err)
	}

	self.stateLock.Lock()
	conns := slices.Clone(self.conns)
	self.stateLock.Unlock()
	for _, conn := range conns {
		conn.ws.WriteMessage(websocket.TextMessage, frame)
	}
}

// dropConns force closes every hub connection, a transport drop the
// client did not ask for
func (self *testService) dropConns() {
	self.stateLock.Lock()
	conns := slices.Clone(self.conns)
	self.stateLock.Unlock()
	for _, conn := range conns {
		conn.ws.Close()
	}
}

func (self *testService) negotiate(w http.ResponseWriter, r *http.Request) {
	self.stateLock.Lock()
	self.negotiateCount += 1
	count := self.negotiateCount
	fail := self.failNegotiate
	gate := self.negotiateGate
	ttl := self.tokenTtl
	self.stateLock.Unlock()

	if gate != nil {
		select {
		case self.negotiateEntered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		writeJson(w, 503, &errorResult{Error: "negotiate unavailable"})
		return
	}

	// jti keeps tokens distinct even when issued within the same second
	claims := gojwt.MapClaims{
		"aud": fmt.Sprintf("%s/hub", self.server.URL),
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
		"jti": fmt.Sprintf("t%d", count),
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte(self.tokenSecret))
	if err != nil {
		writeJson(w, 500, &errorResult{Error: err.Error()})
		return
	}

	self.stateLock.Lock()
	self.issuedTokens = append(self.issuedTokens, token)
	self.stateLock.Unlock()

	writeJson(w, 200, &NegotiateResult{
		Url:         fmt.Sprintf("%s/hub", self.server.URL),
		AccessToken: token,
	})
}

func (self *testService) getDevices(w http.ResponseWriter, r *http.Request) {
	self.stateLock.Lock()
	gate := self.devicesGate
	failStatus := self.failDevices
	self.stateLock.Unlock()

	if gate != nil {
		select {
		case self.devicesEntered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if failStatus != 0 {
		writeJson(w, failStatus, &errorResult{Error: http.StatusText(failStatus)})
		return
	}

	self.stateLock.Lock()
	devices := slices.Clone(self.devices)
	self.stateLock.Unlock()
	writeJson(w, 200, &DeviceListResult{Devices: devices})
}

func (self *testService) usersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		self.stateLock.Lock()
		users := []User{}
		for _, user := range self.users {
			if user.IsActive {
				users = append(users, user)
			}
		}
		self.stateLock.Unlock()
		writeJson(w, 200, &UserListResult{Users: users})
	case "POST":
		var args CreateUserArgs
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeJson(w, 400, &errorResult{Error: "invalid body"})
			return
		}
		if args.Id == "" || args.Name == "" || args.Nickname == "" || args.DeviceId == "" {
			writeJson(w, 400, &errorResult{Error: "id, name, nickname, and deviceId are required"})
			return
		}

		self.stateLock.Lock()
		exists := slices.ContainsFunc(self.users, func(user User) bool {
			return user.Id == args.Id
		})
		if exists {
			self.stateLock.Unlock()
			writeJson(w, 409, &errorResult{Error: fmt.Sprintf("user %s already exists", args.Id)})
			return
		}
		now := time.Now().UTC().Format(time.RFC3339)
		user := User{
			Id:             args.Id,
			Name:           args.Name,
			Nickname:       args.Nickname,
			RoomNumber:     args.RoomNumber,
			DeviceId:       args.DeviceId,
			ProactiveTasks: args.ProactiveTasks,
			Notes:          args.Notes,
			CreatedAt:      now,
			UpdatedAt:      now,
			IsActive:       true,
		}
		self.users = append(self.users, user)
		self.stateLock.Unlock()
		writeJson(w, 201, &user)
	default:
		writeJson(w, 405, &errorResult{Error: "method not allowed"})
	}
}

func (self *testService) userItem(w http.ResponseWriter, r *http.Request) {
	userId := strings.TrimPrefix(r.URL.Path, "/users/")

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.users, func(user User) bool {
		return user.Id == userId && user.IsActive
	})
	if i < 0 {
		writeJson(w, 404, &errorResult{Error: fmt.Sprintf("user %s not found", userId)})
		return
	}

	switch r.Method {
	case "GET":
		writeJson(w, 200, &self.users[i])
	case "PUT":
		var args UpdateUserArgs
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeJson(w, 400, &errorResult{Error: "invalid body"})
			return
		}
		if args.Nickname != nil {
			self.users[i].Nickname = *args.Nickname
		}
		if args.RoomNumber != nil {
			self.users[i].RoomNumber = *args.RoomNumber
		}
		if args.ProactiveTasks != nil {
			self.users[i].ProactiveTasks = args.ProactiveTasks
		}
		if args.Notes != nil {
			self.users[i].Notes = *args.Notes
		}
		self.users[i].UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		writeJson(w, 200, &self.users[i])
	case "DELETE":
		self.users[i].IsActive = false
		writeJson(w, 200, &RemoveUserResult{Message: fmt.Sprintf("user %s removed", userId)})
	default:
		writeJson(w, 405, &errorResult{Error: "method not allowed"})
	}
}

func (self *testService) hub(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	if !self.validToken(token) {
		http.Error(w, "unauthorized", 401)
		return
	}
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &testHubConn{
		ws:    ws,
		token: token,
	}
	self.stateLock.Lock()
	self.conns = append(self.conns, conn)
	self.stateLock.Unlock()

	// drain client pings until the conn drops
	go func() {
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (self *testService) validToken(tokenString string) bool {
	if tokenString == "" {
		return false
	}
	token, err := gojwt.Parse(tokenString, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(self.tokenSecret), nil
	})
	return err == nil && token.Valid
}

func writeJson(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(value)
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testChannelSettings() *ChannelSettings {
	settings := DefaultChannelSettings()
	settings.ReconnectTimeout = 20 * time.Millisecond
	settings.MaxReconnectTimeout = 200 * time.Millisecond
	settings.PingTimeout = 50 * time.Millisecond
	return settings
}
