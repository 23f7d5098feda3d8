package dashsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
)

// TODO retry idempotent reads once on network error

type AdminApiSettings struct {
	// bounds every request end to end via the http client
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
	// tighter bound for `Negotiate`, which gates connection setup
	NegotiateTimeout time.Duration
}

func DefaultAdminApiSettings() *AdminApiSettings {
	return &AdminApiSettings{
		HttpTimeout:        10 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
		NegotiateTimeout:   5 * time.Second,
	}
}

// AdminApi is the client for the dashboard admin service.
// Each operation has an async form taking a callback and a *Sync form
// bounded by a context. Errors out of both forms are classified, see
// `ErrorKind`.
type AdminApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl   string
	settings *AdminApiSettings

	client *http.Client

	// one per api instance, lets the service correlate a session's requests
	instanceId Id

	mutex  sync.Mutex
	apiKey string
}

func NewAdminApi(apiUrl string) *AdminApi {
	return NewAdminApiWithContext(context.Background(), apiUrl)
}

func NewAdminApiWithContext(ctx context.Context, apiUrl string) *AdminApi {
	return NewAdminApiWithSettings(ctx, apiUrl, DefaultAdminApiSettings())
}

func NewAdminApiWithSettings(ctx context.Context, apiUrl string, settings *AdminApiSettings) *AdminApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AdminApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		settings:   settings,
		client:     newHttpClient(settings),
		instanceId: NewId(),
	}
}

// this gets attached to api calls that need it
func (self *AdminApi) SetApiKey(apiKey string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.apiKey = apiKey
}

func (self *AdminApi) GetApiKey() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.apiKey
}

func (self *AdminApi) Cancel() {
	self.cancel()
}

type DeviceListResult struct {
	Devices []Device `json:"devices"`
}

type DeviceListCallback apiCallback[*DeviceListResult]

func (self *AdminApi) GetDevices(callback DeviceListCallback) {
	go get(
		self,
		self.ctx,
		"/devices",
		&DeviceListResult{},
		callback,
	)
}

func (self *AdminApi) GetDevicesSync(ctx context.Context) (*DeviceListResult, error) {
	blockingCallback := NewBlockingApiCallback[*DeviceListResult](ctx)

	go get(
		self,
		ctx,
		"/devices",
		&DeviceListResult{},
		blockingCallback,
	)

	return awaitResult(ctx, blockingCallback)
}

type UserListResult struct {
	Users []User `json:"users"`
}

type UserListCallback apiCallback[*UserListResult]

func (self *AdminApi) GetUsers(callback UserListCallback) {
	go get(
		self,
		self.ctx,
		"/users",
		&UserListResult{},
		callback,
	)
}

func (self *AdminApi) GetUsersSync(ctx context.Context) (*UserListResult, error) {
	blockingCallback := NewBlockingApiCallback[*UserListResult](ctx)

	go get(
		self,
		ctx,
		"/users",
		&UserListResult{},
		blockingCallback,
	)

	return awaitResult(ctx, blockingCallback)
}

type UserCallback apiCallback[*User]

func (self *AdminApi) GetUser(userId string, callback UserCallback) {
	go get(
		self,
		self.ctx,
		fmt.Sprintf("/users/%s", userId),
		&User{},
		callback,
	)
}

func (self *AdminApi) GetUserSync(ctx context.Context, userId string) (*User, error) {
	blockingCallback := NewBlockingApiCallback[*User](ctx)

	go get(
		self,
		ctx,
		fmt.Sprintf("/users/%s", userId),
		&User{},
		blockingCallback,
	)

	return awaitResult(ctx, blockingCallback)
}

type CreateUserArgs struct {
	Id             string          `json:"id"`
	Name           string          `json:"name"`
	Nickname       string          `json:"nickname"`
	DeviceId       string          `json:"deviceId"`
	RoomNumber     string          `json:"roomNumber,omitempty"`
	ProactiveTasks []ProactiveTask `json:"proactiveTasks,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

func (self *AdminApi) CreateUser(createUser *CreateUserArgs, callback UserCallback) {
	go post(
		self,
		self.ctx,
		"/users",
		createUser,
		&User{},
		callback,
	)
}

func (self *AdminApi) CreateUserSync(ctx context.Context, createUser *CreateUserArgs) (*User, error) {
	blockingCallback := NewBlockingApiCallback[*User](ctx)

	go post(
		self,
		ctx,
		"/users",
		createUser,
		&User{},
		blockingCallback,
	)

	return awaitResult(ctx, blockingCallback)
}

// UpdateUserArgs carries only the editable fields. Absent fields are
// left unchanged by the service, which also ignores the protected
// fields (id, name, deviceId, createdAt, isActive) on update.
type UpdateUserArgs struct {
	Nickname       *string         `json:"nickname,omitempty"`
	RoomNumber     *string         `json:"roomNumber,omitempty"`
	ProactiveTasks []ProactiveTask `json:"proactiveTasks,omitempty"`
	Notes          *string         `json:"notes,omitempty"`
}

func (self *AdminApi) UpdateUser(userId string, updateUser *UpdateUserArgs, callback UserCallback) {
	go put(
		self,
		self.ctx,
		fmt.Sprintf("/users/%s", userId),
		updateUser,
		&User{},
		callback,
	)
}

func (self *AdminApi) UpdateUserSync(ctx context.Context, userId string, updateUser *UpdateUserArgs) (*User, error) {
	blockingCallback := NewBlockingApiCallback[*User](ctx)

	go put(
		self,
		ctx,
		fmt.Sprintf("/users/%s", userId),
		updateUser,
		&User{},
		blockingCallback,
	)

	return awaitResult(ctx, blockingCallback)
}

type RemoveUserResult struct {
	Message string `json:"message"`
}

type RemoveUserCallback apiCallback[*RemoveUserResult]

func (self *AdminApi) RemoveUser(userId string, callback RemoveUserCallback) {
	go del(
		self,
		self.ctx,
		fmt.Sprintf("/users/%s", userId),
		&RemoveUserResult{},
		callback,
	)
}

func (self *AdminApi) RemoveUserSync(ctx context.Context, userId string) (*RemoveUserResult, error) {
	blockingCallback := NewBlockingApiCallback[*RemoveUserResult](ctx)

	go del(
		self,
		ctx,
		fmt.Sprintf("/users/%s", userId),
		&RemoveUserResult{},
		blockingCallback,
	)

	return awaitResult(ctx, blockingCallback)
}

type NegotiateResult struct {
	Url         string `json:"url"`
	AccessToken string `json:"accessToken"`
}

type NegotiateCallback apiCallback[*NegotiateResult]

// Negotiate asks the service for the hub endpoint and a short lived
// access token. A fresh negotiate precedes every connection attempt.
func (self *AdminApi) Negotiate(callback NegotiateCallback) {
	go self.negotiate(self.ctx, callback)
}

func (self *AdminApi) NegotiateSync(ctx context.Context) (*NegotiateResult, error) {
	blockingCallback := NewBlockingApiCallback[*NegotiateResult](ctx)

	go self.negotiate(ctx, blockingCallback)

	return awaitResult(ctx, blockingCallback)
}

func (self *AdminApi) negotiate(ctx context.Context, callback NegotiateCallback) {
	timeoutCtx, cancel := context.WithTimeout(ctx, self.settings.NegotiateTimeout)
	defer cancel()

	result, err := post(
		self,
		timeoutCtx,
		"/negotiate",
		nil,
		&NegotiateResult{},
		NewNoopApiCallback[*NegotiateResult](),
	)
	callback.Result(classifyNegotiate(result, err))
}

// negotiation failures fold into `ErrorKindNegotiationFailed`, except
// cancellation and the negotiate deadline, which keep their own kinds
func classifyNegotiate(result *NegotiateResult, err error) (*NegotiateResult, error) {
	if err != nil {
		if kind := KindOf(err); kind == ErrorKindCancelled || kind == ErrorKindTimeout {
			return nil, err
		}
		requestErr := &RequestError{
			Kind:    ErrorKindNegotiationFailed,
			Message: err.Error(),
		}
		var sourceErr *RequestError
		if errors.As(err, &sourceErr) {
			requestErr.StatusCode = sourceErr.StatusCode
			requestErr.Message = sourceErr.Message
		}
		return nil, requestErr
	}
	if result.Url == "" || result.AccessToken == "" {
		return nil, NewRequestError(ErrorKindNegotiationFailed, "negotiate response missing url or access token")
	}
	return result, nil
}

type errorResult struct {
	Error string `json:"error"`
}

func get[R any](api *AdminApi, ctx context.Context, path string, result R, callback apiCallback[R]) (R, error) {
	return request(api, ctx, "GET", path, nil, result, callback)
}

func post[R any](api *AdminApi, ctx context.Context, path string, args any, result R, callback apiCallback[R]) (R, error) {
	return request(api, ctx, "POST", path, args, result, callback)
}

func put[R any](api *AdminApi, ctx context.Context, path string, args any, result R, callback apiCallback[R]) (R, error) {
	return request(api, ctx, "PUT", path, args, result, callback)
}

func del[R any](api *AdminApi, ctx context.Context, path string, result R, callback apiCallback[R]) (R, error) {
	return request(api, ctx, "DELETE", path, nil, result, callback)
}

func request[R any](
	api *AdminApi,
	ctx context.Context,
	method string,
	path string,
	args any,
	result R,
	callback apiCallback[R],
) (R, error) {
	var empty R

	url := fmt.Sprintf("%s%s", api.apiUrl, path)
	requestId := NewId()

	var requestBody io.Reader
	if args != nil {
		argsBytes, err := json.Marshal(args)
		if err != nil {
			callback.Result(empty, err)
			return empty, err
		}
		requestBody = bytes.NewReader(argsBytes)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}
	if args != nil {
		httpRequest.Header.Add("Content-Type", "application/json")
	}
	if apiKey := api.GetApiKey(); apiKey != "" {
		httpRequest.Header.Add("x-functions-key", apiKey)
	}
	httpRequest.Header.Add("x-client-instance", api.instanceId.String())
	httpRequest.Header.Add("x-request-id", requestId.String())

	httpResponse, err := api.client.Do(httpRequest)
	if err != nil {
		requestErr := classifyTransport(err)
		glog.V(1).Infof("[api]%s %s %s error = %s\n", requestId, method, path, requestErr)
		callback.Result(empty, requestErr)
		return empty, requestErr
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		requestErr := classifyTransport(err)
		callback.Result(empty, requestErr)
		return empty, requestErr
	}

	if httpResponse.StatusCode < 200 || 300 <= httpResponse.StatusCode {
		message := http.StatusText(httpResponse.StatusCode)
		var body errorResult
		if err := json.Unmarshal(responseBody, &body); err == nil && body.Error != "" {
			message = body.Error
		}
		requestErr := classifyStatus(httpResponse.StatusCode, message)
		glog.V(1).Infof("[api]%s %s %s status %d (%s)\n", requestId, method, path, httpResponse.StatusCode, requestErr.Kind)
		callback.Result(empty, requestErr)
		return empty, requestErr
	}

	if err := json.Unmarshal(responseBody, result); err != nil {
		requestErr := NewRequestError(ErrorKindUnknown, fmt.Sprintf("malformed response: %s", err))
		callback.Result(empty, requestErr)
		return empty, requestErr
	}

	callback.Result(result, nil)
	return result, nil
}

func newHttpClient(settings *AdminApiSettings) *http.Client {
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
}

func awaitResult[R any](ctx context.Context, blockingCallback *blockingApiCallback[R]) (R, error) {
	var empty R
	select {
	case <-ctx.Done():
		return empty, classifyTransport(ctx.Err())
	case result := <-blockingCallback.Out:
		return result.Result, result.Error
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

type blockingApiCallback[R any] struct {
	ctx context.Context
	Out chan ApiCallbackResult[R]
}

func NewBlockingApiCallback[R any](ctx context.Context) *blockingApiCallback[R] {
	return &blockingApiCallback[R]{
		ctx: ctx,
		Out: make(chan ApiCallbackResult[R], 1),
	}
}

func (self *blockingApiCallback[R]) Result(result R, err error) {
	select {
	case self.Out <- ApiCallbackResult[R]{
		Result: result,
		Error:  err,
	}:
	case <-self.ctx.Done():
	}
}
