package sessioncontroller

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/chatmesh/session-controller/internal/codec"
	"github.com/chatmesh/session-controller/internal/transport"
)

func newTestRegistry(t *testing.T) *codec.Registry {
	t.Helper()

	registry := codec.NewRegistry()
	if err := RegisterRequestCodecs(registry); err != nil {
		t.Fatalf("Expected nil error, but got '%s'", err)
	}
	registry.Freeze()
	return registry
}

type fakeDirectory struct {
	local   ClusterMember
	members []ClusterMember
}

func (d *fakeDirectory) LocalMember() ClusterMember { return d.local }

func (d *fakeDirectory) MembersForRole(role NodeRole) []ClusterMember {
	var members []ClusterMember
	for _, m := range d.members {
		if role.Matches(m.Role) {
			members = append(members, m)
		}
	}
	return members
}

func (d *fakeDirectory) IsReachable(memberID string) bool {
	for _, m := range d.members {
		if m.ID == memberID {
			return true
		}
	}
	return false
}

type fakeCaller struct {
	call func(ctx context.Context, payload []byte) ([]byte, error)
}

func (c *fakeCaller) Call(ctx context.Context, payload []byte) ([]byte, error) {
	return c.call(ctx, payload)
}

func (c *fakeCaller) Drain() {}

func (c *fakeCaller) Close() error { return nil }

// inProcessGateway returns a Caller that executes request payloads against
// the given registry of sessions the way a remote gateway would.
func inProcessGateway(t *testing.T, registry *codec.Registry, nodeID string, sessions *SessionRegistry) transport.Caller {
	t.Helper()

	env := &HandlerEnv{NodeID: nodeID, NodeRole: RoleGateway, Sessions: sessions}

	return &fakeCaller{call: func(ctx context.Context, payload []byte) ([]byte, error) {
		_, v, err := registry.Unmarshal(payload)
		if err != nil {
			return encodeErrorReply(err.Error()), nil
		}

		req, ok := v.(Request)
		if !ok {
			t.Fatalf("Expected a request payload, but got '%T'", v)
		}

		value, err := req.Call(ctx, env)
		if err != nil {
			return encodeErrorReply(err.Error()), nil
		}
		return encodeReply(registry, value), nil
	}}
}

func newGatewaySessions(sessions ...*UserSession) *SessionRegistry {
	registry := NewSessionRegistry(SessionRegistryConfig{
		TreatUserIDAndDeviceTypeAsUniqueUser: true,
	}, nil)
	for _, s := range sessions {
		registry.Put(s)
	}
	return registry
}

func TestDispatcher_SetUserOfflineFanOut(t *testing.T) {

	registry := newTestRegistry(t)

	// Three gateways, each holding a distinct device session for the same
	// user. The dispatcher runs on a service node.
	gw1 := newGatewaySessions(&UserSession{Version: 1, UserID: 7, DeviceType: DeviceTypeAndroid})
	gw2 := newGatewaySessions(&UserSession{Version: 2, UserID: 7, DeviceType: DeviceTypeIOS})
	gw3 := newGatewaySessions(&UserSession{Version: 3, UserID: 7, DeviceType: DeviceTypeBrowser})

	directory := &fakeDirectory{
		local: ClusterMember{ID: "svc1", Role: RoleService},
		members: []ClusterMember{
			{ID: "gw1", Role: RoleGateway},
			{ID: "gw2", Role: RoleGateway},
			{ID: "gw3", Role: RoleGateway},
			{ID: "svc1", Role: RoleService},
		},
	}

	router := NewMapClientRouter()
	router.AddClient("gw1", inProcessGateway(t, registry, "gw1", gw1))
	router.AddClient("gw2", inProcessGateway(t, registry, "gw2", gw2))
	router.AddClient("gw3", inProcessGateway(t, registry, "gw3", gw3))

	env := &HandlerEnv{NodeID: "svc1", NodeRole: RoleService, Sessions: NewSessionRegistry(SessionRegistryConfig{}, nil)}
	dispatcher := NewDispatcher(registry, directory, router, env, 1*time.Second)

	value, err := dispatcher.Dispatch(context.Background(), &SetUserOfflineRequest{
		UserID:      7,
		CloseStatus: CloseStatusKickedOutByOtherDevice,
	})
	if err != nil {
		t.Fatalf("Expected nil error, but got '%s'", err)
	}

	if value != true {
		t.Errorf("Expected '%v', but got '%v'", true, value)
	}

	if count := gw1.Count(); count != 0 {
		t.Errorf("Expected '%d' sessions on gw1, but got '%d'", 0, count)
	}
	if count := gw2.Count(); count != 0 {
		t.Errorf("Expected '%d' sessions on gw2, but got '%d'", 0, count)
	}
	if count := gw3.Count(); count != 0 {
		t.Errorf("Expected '%d' sessions on gw3, but got '%d'", 0, count)
	}

	// Repeating the request finds nothing to remove.
	value, err = dispatcher.Dispatch(context.Background(), &SetUserOfflineRequest{
		UserID:      7,
		CloseStatus: CloseStatusKickedOutByOtherDevice,
	})
	if err != nil {
		t.Fatalf("Expected nil error, but got '%s'", err)
	}

	if value != false {
		t.Errorf("Expected '%v', but got '%v'", false, value)
	}
}

func TestDispatcher_SetUserOfflinePerDevice(t *testing.T) {

	registry := newTestRegistry(t)

	gw1 := newGatewaySessions(
		&UserSession{Version: 1, UserID: 7, DeviceType: DeviceTypeAndroid},
		&UserSession{Version: 2, UserID: 7, DeviceType: DeviceTypeBrowser},
	)

	directory := &fakeDirectory{
		local: ClusterMember{ID: "svc1", Role: RoleService},
		members: []ClusterMember{
			{ID: "gw1", Role: RoleGateway},
			{ID: "svc1", Role: RoleService},
		},
	}

	router := NewMapClientRouter()
	router.AddClient("gw1", inProcessGateway(t, registry, "gw1", gw1))

	env := &HandlerEnv{NodeID: "svc1", NodeRole: RoleService, Sessions: NewSessionRegistry(SessionRegistryConfig{}, nil)}
	dispatcher := NewDispatcher(registry, directory, router, env, 1*time.Second)

	value, err := dispatcher.Dispatch(context.Background(), &SetUserOfflineRequest{
		UserID:      7,
		DeviceTypes: []DeviceType{DeviceTypeAndroid},
		CloseStatus: CloseStatusDisconnectedByAdmin,
	})
	if err != nil {
		t.Fatalf("Expected nil error, but got '%s'", err)
	}

	if value != true {
		t.Errorf("Expected '%v', but got '%v'", true, value)
	}

	// The browser session survives a device-scoped removal.
	if _, ok := gw1.GetByDeviceType(7, DeviceTypeBrowser); !ok {
		t.Errorf("Expected the browser session to survive")
	}
	if _, ok := gw1.GetByDeviceType(7, DeviceTypeAndroid); ok {
		t.Errorf("Expected the android session to be removed")
	}
}

func TestDispatcher_NoEligibleTarget(t *testing.T) {

	registry := newTestRegistry(t)

	// A cluster with no gateways at all.
	directory := &fakeDirectory{
		local:   ClusterMember{ID: "svc1", Role: RoleService},
		members: []ClusterMember{{ID: "svc1", Role: RoleService}},
	}

	env := &HandlerEnv{NodeID: "svc1", NodeRole: RoleService, Sessions: NewSessionRegistry(SessionRegistryConfig{}, nil)}
	dispatcher := NewDispatcher(registry, directory, NewMapClientRouter(), env, 1*time.Second)

	result, err := dispatcher.DispatchDetailed(context.Background(), &SetUserOfflineRequest{
		UserID:      7,
		CloseStatus: CloseStatusDisconnectedByAdmin,
	})
	if err != nil {
		t.Fatalf("Expected nil error, but got '%s'", err)
	}

	if !result.NoEligibleTarget {
		t.Errorf("Expected NoEligibleTarget to be set")
	}
}

func TestDispatcher_LocalTarget(t *testing.T) {

	registry := newTestRegistry(t)

	// The dispatching node is itself a gateway holding the session, so the
	// call must run in-process without a transport client.
	sessions := newGatewaySessions(&UserSession{Version: 1, UserID: 7, DeviceType: DeviceTypeAndroid})

	directory := &fakeDirectory{
		local:   ClusterMember{ID: "gw1", Role: RoleGateway},
		members: []ClusterMember{{ID: "gw1", Role: RoleGateway}},
	}

	env := &HandlerEnv{NodeID: "gw1", NodeRole: RoleGateway, Sessions: sessions}
	dispatcher := NewDispatcher(registry, directory, NewMapClientRouter(), env, 1*time.Second)

	value, err := dispatcher.Dispatch(context.Background(), &SetUserOfflineRequest{
		UserID:      7,
		CloseStatus: CloseStatusDisconnectedByClient,
	})
	if err != nil {
		t.Fatalf("Expected nil error, but got '%s'", err)
	}

	if value != true {
		t.Errorf("Expected '%v', but got '%v'", true, value)
	}

	if count := sessions.Count(); count != 0 {
		t.Errorf("Expected '%d' sessions, but got '%d'", 0, count)
	}
}

func TestDispatcher_AnySuccessToleratesPartialFailure(t *testing.T) {

	registry := newTestRegistry(t)

	gw2 := newGatewaySessions(&UserSession{Version: 1, UserID: 7, DeviceType: DeviceTypeAndroid})

	directory := &fakeDirectory{
		local: ClusterMember{ID: "svc1", Role: RoleService},
		members: []ClusterMember{
			{ID: "gw1", Role: RoleGateway},
			{ID: "gw2", Role: RoleGateway},
			{ID: "svc1", Role: RoleService},
		},
	}

	router := NewMapClientRouter()
	router.AddClient("gw1", &fakeCaller{call: func(context.Context, []byte) ([]byte, error) {
		return nil, transport.ErrUnavailable
	}})
	router.AddClient("gw2", inProcessGateway(t, registry, "gw2", gw2))

	env := &HandlerEnv{NodeID: "svc1", NodeRole: RoleService, Sessions: NewSessionRegistry(SessionRegistryConfig{}, nil)}
	dispatcher := NewDispatcher(registry, directory, router, env, 1*time.Second)

	result, err := dispatcher.DispatchDetailed(context.Background(), &SetUserOfflineRequest{
		UserID:      7,
		CloseStatus: CloseStatusKickedOutByOtherDevice,
	})
	if err != nil {
		t.Fatalf("Expected nil error, but got '%s'", err)
	}

	if result.Value != true {
		t.Errorf("Expected '%v', but got '%v'", true, result.Value)
	}

	// The failed target is still visible in the breakdown.
	failures := 0
	for _, outcome := range result.Targets {
		if outcome.Err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("Expected '%d' failed target, but got '%d'", 1, failures)
	}
}

func TestDispatcher_AnySuccessFailsWhenAllFail(t *testing.T) {

	registry := newTestRegistry(t)

	directory := &fakeDirectory{
		local: ClusterMember{ID: "svc1", Role: RoleService},
		members: []ClusterMember{
			{ID: "gw1", Role: RoleGateway},
			{ID: "svc1", Role: RoleService},
		},
	}

	router := NewMapClientRouter()
	router.AddClient("gw1", &fakeCaller{call: func(context.Context, []byte) ([]byte, error) {
		return nil, transport.ErrUnavailable
	}})

	env := &HandlerEnv{NodeID: "svc1", NodeRole: RoleService, Sessions: NewSessionRegistry(SessionRegistryConfig{}, nil)}
	dispatcher := NewDispatcher(registry, directory, router, env, 1*time.Second)

	_, err := dispatcher.Dispatch(context.Background(), &SetUserOfflineRequest{
		UserID:      7,
		CloseStatus: CloseStatusKickedOutByOtherDevice,
	})
	if !stderrors.Is(err, ErrAllTargetsFailed) {
		t.Errorf("Expected error '%s', but got '%s'", ErrAllTargetsFailed, err)
	}
}

func TestDispatcher_AllSuccessFailsOnPartialFailure(t *testing.T) {

	registry := newTestRegistry(t)

	gw2 := newGatewaySessions(&UserSession{Version: 1, UserID: 7, DeviceType: DeviceTypeAndroid})

	directory := &fakeDirectory{
		local: ClusterMember{ID: "svc1", Role: RoleService},
		members: []ClusterMember{
			{ID: "gw1", Role: RoleGateway},
			{ID: "gw2", Role: RoleGateway},
			{ID: "svc1", Role: RoleService},
		},
	}

	router := NewMapClientRouter()
	router.AddClient("gw1", &fakeCaller{call: func(context.Context, []byte) ([]byte, error) {
		return nil, transport.ErrUnavailable
	}})
	router.AddClient("gw2", inProcessGateway(t, registry, "gw2", gw2))

	env := &HandlerEnv{NodeID: "svc1", NodeRole: RoleService, Sessions: NewSessionRegistry(SessionRegistryConfig{}, nil)}
	dispatcher := NewDispatcher(registry, directory, router, env, 1*time.Second)

	// A cluster-wide count is meaningless when one gateway is missing from
	// the sum, so the partial failure must surface as an error.
	_, err := dispatcher.Dispatch(context.Background(), &CountOnlineUsersRequest{})
	if !stderrors.Is(err, ErrAllTargetsFailed) {
		t.Errorf("Expected error '%s', but got '%s'", ErrAllTargetsFailed, err)
	}
}

func TestDispatcher_CountOnlineUsers(t *testing.T) {

	registry := newTestRegistry(t)

	gw1 := newGatewaySessions(
		&UserSession{Version: 1, UserID: 7, DeviceType: DeviceTypeAndroid},
		&UserSession{Version: 2, UserID: 8, DeviceType: DeviceTypeIOS},
	)
	gw2 := newGatewaySessions(&UserSession{Version: 3, UserID: 9, DeviceType: DeviceTypeBrowser})

	directory := &fakeDirectory{
		local: ClusterMember{ID: "svc1", Role: RoleService},
		members: []ClusterMember{
			{ID: "gw1", Role: RoleGateway},
			{ID: "gw2", Role: RoleGateway},
			{ID: "svc1", Role: RoleService},
		},
	}

	router := NewMapClientRouter()
	router.AddClient("gw1", inProcessGateway(t, registry, "gw1", gw1))
	router.AddClient("gw2", inProcessGateway(t, registry, "gw2", gw2))

	env := &HandlerEnv{NodeID: "svc1", NodeRole: RoleService, Sessions: NewSessionRegistry(SessionRegistryConfig{}, nil)}
	dispatcher := NewDispatcher(registry, directory, router, env, 1*time.Second)

	value, err := dispatcher.Dispatch(context.Background(), &CountOnlineUsersRequest{})
	if err != nil {
		t.Fatalf("Expected nil error, but got '%s'", err)
	}

	if value != int64(3) {
		t.Errorf("Expected '%v', but got '%v'", int64(3), value)
	}
}

func TestDispatcher_RemoteHandlerError(t *testing.T) {

	registry := newTestRegistry(t)

	directory := &fakeDirectory{
		local: ClusterMember{ID: "svc1", Role: RoleService},
		members: []ClusterMember{
			{ID: "gw1", Role: RoleGateway},
			{ID: "svc1", Role: RoleService},
		},
	}

	router := NewMapClientRouter()
	router.AddClient("gw1", &fakeCaller{call: func(context.Context, []byte) ([]byte, error) {
		return encodeErrorReply("the handler exploded"), nil
	}})

	env := &HandlerEnv{NodeID: "svc1", NodeRole: RoleService, Sessions: NewSessionRegistry(SessionRegistryConfig{}, nil)}
	dispatcher := NewDispatcher(registry, directory, router, env, 1*time.Second)

	result, err := dispatcher.DispatchDetailed(context.Background(), &SetUserOfflineRequest{
		UserID:      7,
		CloseStatus: CloseStatusDisconnectedByAdmin,
	})
	if err == nil {
		t.Fatalf("Expected an error, but got nil")
	}

	var remoteErr *RemoteError
	if !stderrors.As(result.Targets[0].Err, &remoteErr) {
		t.Fatalf("Expected a RemoteError, but got '%v'", result.Targets[0].Err)
	}

	if remoteErr.Message != "the handler exploded" {
		t.Errorf("Expected '%s', but got '%s'", "the handler exploded", remoteErr.Message)
	}
}
