package sessioncontroller

import (
	"bytes"
	"context"
	"fmt"

	"github.com/chatmesh/session-controller/internal/codec"
)

// RegisterRequestCodecs registers the codecs for the built-in RPC request
// catalog. Extension request codecs must be registered through the same
// registry before it is frozen.
func RegisterRequestCodecs(registry *codec.Registry) error {
	for _, c := range []codec.Codec{
		setUserOfflineCodec{},
		queryUserOnlineStatusCodec{},
		countOnlineUsersCodec{},
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// SetUserOfflineRequest forces the specified devices of a user offline on
// whichever gateways hold them.
//
// An empty DeviceTypes set means every device of the user. The request is
// idempotent: repeating it against a user with no sessions yields false.
type SetUserOfflineRequest struct {
	UserID      int64
	DeviceTypes []DeviceType
	CloseStatus SessionCloseStatus
}

var _ Request = &SetUserOfflineRequest{}
var _ TargetHinter = &SetUserOfflineRequest{}
var _ ReplyCombiner = &SetUserOfflineRequest{}

func (r *SetUserOfflineRequest) Name() string { return "setUserOffline" }

func (r *SetUserOfflineRequest) CodecID() codec.ID { return codec.IDRequestSetUserOffline }

// NodeTypeToHandle is RoleBoth: the request logically runs wherever the
// user's sessions live, which TargetMembers narrows to the gateways.
func (r *SetUserOfflineRequest) NodeTypeToHandle() NodeRole { return RoleBoth }

func (r *SetUserOfflineRequest) NodeTypeToRespond() NodeRole { return RoleGateway }

// TargetMembers narrows the fan-out to gateway members, since sessions only
// ever live on gateways.
func (r *SetUserOfflineRequest) TargetMembers(d Directory) []ClusterMember {
	return d.MembersForRole(RoleGateway)
}

// CombineReplies ORs the per-gateway results: the user was set offline if
// any gateway tore a matching session down.
func (r *SetUserOfflineRequest) CombineReplies(acc, reply interface{}) interface{} {
	return orReplies(acc, reply)
}

// FailurePolicy is any-success: the request is idempotent, so one reachable
// gateway that did the work is a success even if a sibling timed out.
func (r *SetUserOfflineRequest) FailurePolicy() FailurePolicy { return PolicyAnySuccess }

// Call removes the matching local sessions. It returns true iff at least
// one matching session existed and was torn down.
func (r *SetUserOfflineRequest) Call(ctx context.Context, env *HandlerEnv) (interface{}, error) {
	reason := NewCloseReason(r.CloseStatus)

	if len(r.DeviceTypes) == 0 {
		return env.Sessions.RemoveAll(r.UserID, reason) > 0, nil
	}

	removed := false
	for _, deviceType := range r.DeviceTypes {
		if env.Sessions.Remove(r.UserID, deviceType, reason) {
			removed = true
		}
	}
	return removed, nil
}

type setUserOfflineCodec struct{}

func (setUserOfflineCodec) ID() codec.ID { return codec.IDRequestSetUserOffline }

func (c setUserOfflineCodec) Write(out *bytes.Buffer, data interface{}) error {
	req, ok := data.(*SetUserOfflineRequest)
	if !ok {
		return fmt.Errorf("codec id '%d' cannot encode a value of type %T", c.ID(), data)
	}

	codec.WriteUint64(out, uint64(req.UserID))
	codec.WriteUint16(out, uint16(req.CloseStatus))
	out.WriteByte(byte(len(req.DeviceTypes)))
	for _, deviceType := range req.DeviceTypes {
		out.WriteByte(byte(deviceType))
	}
	return nil
}

func (setUserOfflineCodec) Read(in *bytes.Reader) (interface{}, error) {
	userID, err := codec.ReadUint64(in)
	if err != nil {
		return nil, err
	}

	status, err := codec.ReadUint16(in)
	if err != nil {
		return nil, err
	}

	count, err := in.ReadByte()
	if err != nil {
		return nil, err
	}

	var deviceTypes []DeviceType
	for i := 0; i < int(count); i++ {
		b, err := in.ReadByte()
		if err != nil {
			return nil, err
		}
		deviceTypes = append(deviceTypes, DeviceTypeFromNumber(int8(b)))
	}

	return &SetUserOfflineRequest{
		UserID:      int64(userID),
		DeviceTypes: deviceTypes,
		CloseStatus: SessionCloseStatus(status),
	}, nil
}

func (setUserOfflineCodec) InitialCapacity(data interface{}) int {
	size := 8 + 2 + 1
	if req, ok := data.(*SetUserOfflineRequest); ok {
		size += len(req.DeviceTypes)
	}
	return size
}

// QueryUserOnlineStatusRequest asks the gateways whether a user holds any
// session anywhere in the cluster.
type QueryUserOnlineStatusRequest struct {
	UserID int64
}

var _ Request = &QueryUserOnlineStatusRequest{}

func (r *QueryUserOnlineStatusRequest) Name() string { return "queryUserOnlineStatus" }

func (r *QueryUserOnlineStatusRequest) CodecID() codec.ID {
	return codec.IDRequestQueryUserOnlineStatus
}

func (r *QueryUserOnlineStatusRequest) NodeTypeToHandle() NodeRole { return RoleGateway }

func (r *QueryUserOnlineStatusRequest) NodeTypeToRespond() NodeRole { return RoleGateway }

func (r *QueryUserOnlineStatusRequest) Call(ctx context.Context, env *HandlerEnv) (interface{}, error) {
	return len(env.Sessions.Get(r.UserID)) > 0, nil
}

type queryUserOnlineStatusCodec struct{}

func (queryUserOnlineStatusCodec) ID() codec.ID { return codec.IDRequestQueryUserOnlineStatus }

func (c queryUserOnlineStatusCodec) Write(out *bytes.Buffer, data interface{}) error {
	req, ok := data.(*QueryUserOnlineStatusRequest)
	if !ok {
		return fmt.Errorf("codec id '%d' cannot encode a value of type %T", c.ID(), data)
	}

	codec.WriteUint64(out, uint64(req.UserID))
	return nil
}

func (queryUserOnlineStatusCodec) Read(in *bytes.Reader) (interface{}, error) {
	userID, err := codec.ReadUint64(in)
	if err != nil {
		return nil, err
	}
	return &QueryUserOnlineStatusRequest{UserID: int64(userID)}, nil
}

func (queryUserOnlineStatusCodec) InitialCapacity(interface{}) int { return 8 }

// CountOnlineUsersRequest aggregates the number of distinct online users
// across every gateway.
//
// The sum is only meaningful when every gateway reports, so the request
// declares the all-success failure policy.
type CountOnlineUsersRequest struct{}

var _ Request = &CountOnlineUsersRequest{}
var _ ReplyCombiner = &CountOnlineUsersRequest{}

func (r *CountOnlineUsersRequest) Name() string { return "countOnlineUsers" }

func (r *CountOnlineUsersRequest) CodecID() codec.ID { return codec.IDRequestCountOnlineUsers }

func (r *CountOnlineUsersRequest) NodeTypeToHandle() NodeRole { return RoleGateway }

func (r *CountOnlineUsersRequest) NodeTypeToRespond() NodeRole { return RoleGateway }

func (r *CountOnlineUsersRequest) CombineReplies(acc, reply interface{}) interface{} {
	a, _ := acc.(int64)
	b, _ := reply.(int64)
	return a + b
}

func (r *CountOnlineUsersRequest) FailurePolicy() FailurePolicy { return PolicyAllSuccess }

func (r *CountOnlineUsersRequest) Call(ctx context.Context, env *HandlerEnv) (interface{}, error) {
	return int64(env.Sessions.CountUsers()), nil
}

type countOnlineUsersCodec struct{}

func (countOnlineUsersCodec) ID() codec.ID { return codec.IDRequestCountOnlineUsers }

func (c countOnlineUsersCodec) Write(out *bytes.Buffer, data interface{}) error {
	if _, ok := data.(*CountOnlineUsersRequest); !ok {
		return fmt.Errorf("codec id '%d' cannot encode a value of type %T", c.ID(), data)
	}
	return nil
}

func (countOnlineUsersCodec) Read(*bytes.Reader) (interface{}, error) {
	return &CountOnlineUsersRequest{}, nil
}

func (countOnlineUsersCodec) InitialCapacity(interface{}) int { return 0 }
