package sessioncontroller

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chatmesh/session-controller/internal/codec"
	"github.com/chatmesh/session-controller/internal/hashring"
	"github.com/chatmesh/session-controller/internal/transport"
)

// NodeConfigs carries the cluster identity and bind configuration of this
// node.
type NodeConfigs struct {
	ServerID  string
	Role      NodeRole
	Advertise string
	Join      string
	NodePort  int
	RpcPort   int
}

// Authenticator is the authentication boundary: it validates a login
// attempt before any session exists. Implementations live outside the core.
type Authenticator interface {
	Authenticate(ctx context.Context, info *UserLoginInfo) error
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, info *UserLoginInfo) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, info *UserLoginInfo) error {
	return f(ctx, info)
}

var (
	// ErrNoAuthenticator is returned by Login when no authentication
	// boundary was wired in.
	ErrNoAuthenticator = stderrors.New("no authenticator has been configured for this node")

	// ErrSessionSuperseded is returned by Login when a concurrent newer
	// login for the same session key won the last-writer-wins race.
	ErrSessionSuperseded = stderrors.New("the login was superseded by a newer session")
)

// SessionController is a cluster node: it maintains membership, serves
// inbound cluster RPCs against the local session registry, and dispatches
// outbound RPCs to its peers.
type SessionController struct {
	*Node
	NodeConfigs

	registry   *codec.Registry
	sessions   *SessionRegistry
	dispatcher *Dispatcher
	server     *transport.Server

	authenticator  Authenticator
	sessionCfg     SessionRegistryConfig
	closeObservers []CloseNotifier
	extraCodecs    []codec.Codec

	rpcPort        int
	dialTimeout    time.Duration
	requestTimeout time.Duration

	loginSeq int64
}

type SessionControllerOption func(*SessionController)

// WithNodeConfigs sets the SessionController's NodeConfigs.
func WithNodeConfigs(cfg NodeConfigs) SessionControllerOption {
	return func(c *SessionController) {
		c.NodeConfigs = cfg
	}
}

// WithAuthenticator sets the authentication boundary consulted by Login.
func WithAuthenticator(a Authenticator) SessionControllerOption {
	return func(c *SessionController) {
		c.authenticator = a
	}
}

// WithSessionRegistryConfig sets the session uniqueness policy.
func WithSessionRegistryConfig(cfg SessionRegistryConfig) SessionControllerOption {
	return func(c *SessionController) {
		c.sessionCfg = cfg
	}
}

// WithCloseObserver registers an observer for every session teardown on
// this node, e.g. the connection layer's close-frame writer or an audit
// sink.
func WithCloseObserver(observer CloseNotifier) SessionControllerOption {
	return func(c *SessionController) {
		c.closeObservers = append(c.closeObservers, observer)
	}
}

// WithExtensionCodecs registers additional codecs, e.g. plugin-provided
// request types. Registration only happens during construction; the
// registry is frozen before any traffic is served.
func WithExtensionCodecs(codecs ...codec.Codec) SessionControllerOption {
	return func(c *SessionController) {
		c.extraCodecs = append(c.extraCodecs, codecs...)
	}
}

// WithRequestTimeout sets the default timeout for outbound dispatches whose
// caller supplies no deadline.
func WithRequestTimeout(timeout time.Duration) SessionControllerOption {
	return func(c *SessionController) {
		c.requestTimeout = timeout
	}
}

// NewSessionController constructs a new SessionController with the options
// provided and joins the cluster.
func NewSessionController(opts ...SessionControllerOption) (*SessionController, error) {

	c := SessionController{
		dialTimeout:    5 * time.Second,
		requestTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(&c)
	}

	if c.Role == RoleBoth {
		return nil, fmt.Errorf("a node must run with a concrete role, not '%s'", c.Role)
	}

	registry := codec.NewRegistry()
	if err := RegisterRequestCodecs(registry); err != nil {
		return nil, err
	}
	for _, extra := range c.extraCodecs {
		if err := registry.Register(extra); err != nil {
			return nil, err
		}
	}
	registry.Freeze()
	c.registry = registry

	c.sessions = NewSessionRegistry(c.sessionCfg, c.notifySessionClosed)

	server := transport.NewServer(fmt.Sprintf(":%d", c.RpcPort), c.handleFrame)
	if err := server.Start(); err != nil {
		return nil, err
	}
	c.server = server
	c.rpcPort = server.Addr().(*net.TCPAddr).Port

	local := ClusterMember{
		ID:       c.ServerID,
		Role:     c.Role,
		LastSeen: time.Now(),
	}

	node := &Node{
		ID:          c.ServerID,
		RpcRouter:   NewMapClientRouter(),
		Hashring:    hashring.NewConsistentHashring(nil),
		Directory:   NewClusterDirectory(local),
		dialTimeout: c.dialTimeout,
	}
	c.Node = node

	env := &HandlerEnv{
		NodeID:   c.ServerID,
		NodeRole: c.Role,
		Sessions: c.sessions,
	}
	c.dispatcher = NewDispatcher(registry, node.Directory, node.RpcRouter, env, c.requestTimeout)

	memberlistConfig := memberlist.DefaultLANConfig()
	memberlistConfig.PushPullInterval = 10 * time.Second
	memberlistConfig.Name = node.ID

	if c.Advertise != "" {
		memberlistConfig.AdvertiseAddr = c.Advertise
	}

	memberlistConfig.BindPort = c.NodePort
	memberlistConfig.Events = node
	memberlistConfig.Delegate = &c

	list, err := memberlist.Create(memberlistConfig)
	if err != nil {
		c.server.Stop()
		return nil, err
	}
	node.Memberlist = list

	if c.Join != "" {
		joinAddrs := strings.Split(c.Join, ",")

		if numJoined, err := list.Join(joinAddrs); err != nil {
			if numJoined < 1 {
				c.server.Stop()
				return nil, err
			}
		}
	}

	return &c, nil
}

// handleFrame serves one inbound RPC frame: decode the request through the
// codec registry, execute it against the local state, and encode the reply.
//
// A frame with an unregistered codec id is rejected with an error reply;
// the node keeps serving. Handler failures are likewise converted into
// typed error replies, never allowed to crash the process.
func (c *SessionController) handleFrame(payload []byte) []byte {

	id, value, err := c.registry.Unmarshal(payload)
	if err != nil {
		if stderrors.Is(err, codec.ErrUnknownCodecID) {
			log.Errorf("Rejecting an inbound message with unknown codec id '%d'", id)
		} else {
			log.Errorf("Failed to decode an inbound message with codec id '%d': %v", id, err)
		}
		return encodeErrorReply(err.Error())
	}

	req, ok := value.(Request)
	if !ok {
		log.Errorf("Codec id '%d' does not decode to an rpc request", id)
		return encodeErrorReply(fmt.Sprintf("codec id '%d' does not decode to an rpc request", id))
	}

	if !req.NodeTypeToHandle().Matches(c.Role) {
		log.Errorf("Rejecting rpc '%s' misrouted to this '%s' node", req.Name(), c.Role)
		return encodeErrorReply(fmt.Sprintf("rpc '%s' cannot be handled by a '%s' node", req.Name(), c.Role))
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	result, err := c.dispatcher.callLocal(ctx, req)
	if err != nil {
		log.Errorf("Handler for rpc '%s' failed: %v", req.Name(), err)
		return encodeErrorReply(err.Error())
	}

	return encodeReply(c.registry, result)
}

// notifySessionClosed fans every local session teardown out to the
// registered close observers.
func (c *SessionController) notifySessionClosed(session *UserSession, reason CloseReason) {

	log.Infof("Session of user '%d' on device '%s' closed with status '%d': %s",
		session.UserID, session.DeviceType, reason.Status, reason.Cause)

	for _, observer := range c.closeObservers {
		observer(session, reason)
	}
}

// Login authenticates a login attempt and registers the resulting session.
//
// A conflicting session under the active uniqueness policy is atomically
// replaced and its device notified with CloseStatusDuplicateLogin.
func (c *SessionController) Login(ctx context.Context, info *UserLoginInfo) (*UserSession, error) {

	if c.authenticator == nil {
		return nil, ErrNoAuthenticator
	}

	if err := c.authenticator.Authenticate(ctx, info); err != nil {
		return nil, errors.Wrapf(err, "authentication failed for %s", info)
	}

	now := time.Now()
	session := &UserSession{
		Version:          atomic.AddInt64(&c.loginSeq, 1),
		UserID:           info.UserID,
		DeviceType:       info.LoggingInDeviceType,
		DeviceDetails:    info.DeviceDetails,
		LoginCoordinates: info.Coordinates,
		LoginTime:        now,
		LastHeartbeat:    now,
	}

	replaced, accepted := c.sessions.Put(session)
	if !accepted {
		return nil, ErrSessionSuperseded
	}

	if len(replaced) > 0 {
		log.Infof("Login of user '%d' on device '%s' superseded %d existing session(s)",
			session.UserID, session.DeviceType, len(replaced))
	}

	return session, nil
}

// SetUserOffline forces the specified devices of the user offline across
// the whole cluster. An empty deviceTypes set means every device.
//
// It returns true iff at least one matching session existed somewhere and
// was torn down; a user who is connected nowhere yields false without
// error.
func (c *SessionController) SetUserOffline(ctx context.Context, userID int64, deviceTypes []DeviceType, closeStatus SessionCloseStatus) (bool, error) {
	result, err := c.SetUserOfflineDetailed(ctx, userID, deviceTypes, closeStatus)
	if err != nil {
		return false, err
	}

	offline, _ := result.Value.(bool)
	return offline, nil
}

// SetUserOfflineDetailed is SetUserOffline with the per-target breakdown
// for administrative diagnostics.
func (c *SessionController) SetUserOfflineDetailed(ctx context.Context, userID int64, deviceTypes []DeviceType, closeStatus SessionCloseStatus) (*DispatchResult, error) {
	return c.dispatcher.DispatchDetailed(ctx, &SetUserOfflineRequest{
		UserID:      userID,
		DeviceTypes: deviceTypes,
		CloseStatus: closeStatus,
	})
}

// IsUserOnline reports whether the user holds a session on any gateway.
func (c *SessionController) IsUserOnline(ctx context.Context, userID int64) (bool, error) {
	value, err := c.dispatcher.Dispatch(ctx, &QueryUserOnlineStatusRequest{UserID: userID})
	if err != nil {
		return false, err
	}

	online, _ := value.(bool)
	return online, nil
}

// CountOnlineUsers sums the distinct online users across every gateway.
func (c *SessionController) CountOnlineUsers(ctx context.Context) (int64, error) {
	value, err := c.dispatcher.Dispatch(ctx, &CountOnlineUsersRequest{})
	if err != nil {
		return 0, err
	}

	count, _ := value.(int64)
	return count, nil
}

// SetLocalUserOffline tears down the user's sessions held on this node
// only, without consulting the cluster. It is the disconnect path's hook.
func (c *SessionController) SetLocalUserOffline(userID int64, deviceTypes []DeviceType, closeStatus SessionCloseStatus) bool {
	reason := NewCloseReason(closeStatus)

	if len(deviceTypes) == 0 {
		return c.sessions.RemoveAll(userID, reason) > 0
	}

	removed := false
	for _, deviceType := range deviceTypes {
		if c.sessions.Remove(userID, deviceType, reason) {
			removed = true
		}
	}
	return removed
}

// UpdateHeartbeat touches the local session's keepalive timestamp.
func (c *SessionController) UpdateHeartbeat(userID int64, deviceType DeviceType) bool {
	return c.sessions.UpdateHeartbeat(userID, deviceType)
}

// LocalSessions exposes the node's session registry to the connection
// layer.
func (c *SessionController) LocalSessions() *SessionRegistry {
	return c.sessions
}

// LocateMember returns the cluster member with hashring affinity for the
// given user key.
func (c *SessionController) LocateMember(userKey []byte) (ClusterMember, bool) {
	member := c.Hashring.LocateKey(userKey)
	if member == nil {
		return ClusterMember{}, false
	}

	for _, m := range c.Directory.MembersForRole(RoleBoth) {
		if m.ID == member.String() {
			return m, true
		}
	}
	return ClusterMember{}, false
}

// NodeMeta returns the metadata gossiped to the rest of the cluster.
func (c *SessionController) NodeMeta(limit int) []byte {

	meta, err := json.Marshal(NodeMetadata{
		Role:    c.Role.String(),
		RpcPort: c.rpcPort,
	})
	if err != nil {
		log.Errorf("Failed to json.Marshal this node's metadata: %v", err)
	}

	return meta
}

func (c *SessionController) NotifyMsg(msg []byte) {}

func (c *SessionController) GetBroadcasts(overhead, limit int) [][]byte {
	var buf [][]byte
	return buf
}

// LocalState is used for a TCP Push/Pull between nodes in the cluster.
// Membership and node metadata gossip already carry everything this node
// shares, so no extra state rides along.
//
// For more information see https://pkg.go.dev/github.com/hashicorp/memberlist#Delegate
func (c *SessionController) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState is invoked after a TCP Push/Pull between nodes in the
// cluster.
//
// For more information see https://pkg.go.dev/github.com/hashicorp/memberlist#Delegate
func (c *SessionController) MergeRemoteState(buf []byte, join bool) {}

// Close drains the node out of the cluster: sessions are torn down with
// CloseStatusServerClosed, membership is left gracefully, and the transport
// is stopped.
func (c *SessionController) Close() error {

	closed := c.sessions.RemoveAllSessions(NewCloseReason(CloseStatusServerClosed))
	if closed > 0 {
		log.Infof("Closed %d session(s) on shutdown", closed)
	}

	if err := c.Node.Memberlist.Leave(5 * time.Second); err != nil {
		log.Errorf("Failed to gracefully leave the cluster: %v", err)
	}
	if err := c.Node.Memberlist.Shutdown(); err != nil {
		return err
	}

	c.RpcRouter.Close()
	return c.server.Stop()
}
