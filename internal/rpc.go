package sessioncontroller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/chatmesh/session-controller/internal/codec"
)

// NodeRole describes which side of the gateway/service split a cluster
// member serves on. RoleBoth only appears in RPC eligibility filters, never
// on a concrete member.
type NodeRole int8

const (
	RoleGateway NodeRole = iota
	RoleService
	RoleBoth
)

func (r NodeRole) String() string {
	switch r {
	case RoleGateway:
		return "gateway"
	case RoleService:
		return "service"
	case RoleBoth:
		return "both"
	}
	return fmt.Sprintf("unknown(%d)", int8(r))
}

// ParseNodeRole parses a role name as found in configuration and node
// metadata.
func ParseNodeRole(s string) (NodeRole, error) {
	switch s {
	case "gateway":
		return RoleGateway, nil
	case "service":
		return RoleService, nil
	case "both":
		return RoleBoth, nil
	}
	return 0, fmt.Errorf("unrecognized node role '%s'", s)
}

// Matches reports whether a member with the concrete role satisfies the
// filter r.
func (r NodeRole) Matches(concrete NodeRole) bool {
	return r == RoleBoth || r == concrete
}

// HandlerEnv carries the local collaborators an RPC handler may touch. It is
// passed explicitly on every call; handlers never reach for ambient process
// state.
type HandlerEnv struct {
	NodeID   string
	NodeRole NodeRole
	Sessions *SessionRegistry
}

// Request is the unit of remote work: a typed, immutable request that knows
// which node roles may execute it, which roles the caller accepts replies
// from, and how to execute against a node's local state.
//
// Every Request type must also implement codec.Identifiable and have its
// codec registered so the request can travel the wire.
type Request interface {
	codec.Identifiable

	// Name returns the logical request name, unique per request type.
	Name() string

	// NodeTypeToHandle is the execution eligibility filter.
	NodeTypeToHandle() NodeRole

	// NodeTypeToRespond is the response eligibility filter.
	NodeTypeToRespond() NodeRole

	// Call executes the request against the local node.
	Call(ctx context.Context, env *HandlerEnv) (interface{}, error)
}

// TargetHinter narrows the candidate member set when the execution filter
// alone cannot, notably for RoleBoth requests whose real constraint is
// "wherever the relevant state lives".
type TargetHinter interface {
	TargetMembers(d Directory) []ClusterMember
}

// FailurePolicy declares how partial fan-out failure aggregates.
type FailurePolicy int8

const (
	// PolicyAnySuccess succeeds when at least one target succeeds. The
	// default for idempotent mutating requests.
	PolicyAnySuccess FailurePolicy = iota

	// PolicyAllSuccess fails when any target fails. Used by read
	// aggregations that are meaningless when incomplete.
	PolicyAllSuccess
)

// ReplyCombiner merges fan-out replies into one result. Requests that do not
// implement it get the default combiner: logical OR over boolean replies
// with PolicyAnySuccess.
type ReplyCombiner interface {
	CombineReplies(acc, reply interface{}) interface{}
	FailurePolicy() FailurePolicy
}

// orReplies is the default combinator: true if any target reports success.
func orReplies(acc, reply interface{}) interface{} {
	a, _ := acc.(bool)
	b, _ := reply.(bool)
	return a || b
}

// RemoteError is a handler failure reported by a remote target. Handler
// errors are caught at the RPC boundary and travel back as a typed failure
// rather than crashing the remote node.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote handler failed: %s", e.Message)
}

// ErrAllTargetsFailed is the aggregate failure when a dispatch attempted at
// least one target and none succeeded.
var ErrAllTargetsFailed = errors.New("all eligible targets failed to handle the request")

// reply envelope: one flag byte (ok/error) followed by either an id-tagged
// result payload or an error message.

const (
	replyFlagOK    byte = 0
	replyFlagError byte = 1
)

func encodeReply(registry *codec.Registry, value interface{}) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(replyFlagOK)
	if err := registry.Encode(buf, value); err != nil {
		return encodeErrorReply(err.Error())
	}
	return buf.Bytes()
}

func encodeErrorReply(message string) []byte {
	// Error messages are truncated to what the length prefix can carry;
	// an error reply must never fail to encode.
	if len(message) > math.MaxUint16 {
		message = message[:math.MaxUint16]
	}

	buf := &bytes.Buffer{}
	buf.WriteByte(replyFlagError)
	_ = codec.WriteString(buf, message)
	return buf.Bytes()
}

func decodeReply(registry *codec.Registry, payload []byte) (interface{}, error) {
	in := bytes.NewReader(payload)

	flag, err := in.ReadByte()
	if err != nil {
		return nil, err
	}

	switch flag {
	case replyFlagOK:
		_, value, err := registry.Decode(in)
		return value, err
	case replyFlagError:
		message, err := codec.ReadString(in)
		if err != nil {
			return nil, err
		}
		return nil, &RemoteError{Message: message}
	}

	return nil, fmt.Errorf("unrecognized reply flag '%d'", flag)
}
