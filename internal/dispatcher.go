package sessioncontroller

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chatmesh/session-controller/internal/codec"
	"github.com/chatmesh/session-controller/internal/transport"
)

// TargetOutcome records how one fan-out target handled a request. Failed
// targets are always recorded, even when the overall call still succeeds
// through other targets.
type TargetOutcome struct {
	MemberID string
	Value    interface{}
	Err      error
}

// DispatchResult is the aggregate of one dispatch: the combined value and
// the per-target breakdown for diagnostics.
type DispatchResult struct {
	Value            interface{}
	NoEligibleTarget bool
	Targets          []TargetOutcome
}

// Dispatcher routes RPC requests to the cluster members eligible to execute
// them, fans the request out, and folds the eligible replies into a single
// result.
type Dispatcher struct {
	registry  *codec.Registry
	directory Directory
	router    ClientRouter
	env       *HandlerEnv

	// defaultTimeout bounds a dispatch whose caller supplied no deadline.
	defaultTimeout time.Duration
}

// NewDispatcher returns a Dispatcher over the provided collaborators.
func NewDispatcher(registry *codec.Registry, directory Directory, router ClientRouter, env *HandlerEnv, defaultTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		registry:       registry,
		directory:      directory,
		router:         router,
		env:            env,
		defaultTimeout: defaultTimeout,
	}
}

// Dispatch executes the request against its eligible targets and returns
// the combined result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (interface{}, error) {
	result, err := d.DispatchDetailed(ctx, req)
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

// DispatchDetailed is Dispatch with the per-target breakdown.
//
// A request with zero eligible targets completes immediately with
// NoEligibleTarget set and a nil error: for idempotent administrative
// requests an empty cluster slice means "nothing to do", not a failure.
func (d *Dispatcher) DispatchDetailed(ctx context.Context, req Request) (*DispatchResult, error) {

	candidates := d.candidates(req)
	if len(candidates) == 0 {
		log.Tracef("No eligible target for rpc '%s'", req.Name())
		return &DispatchResult{NoEligibleTarget: true}, nil
	}

	payload, err := d.registry.Marshal(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode rpc '%s'", req.Name())
	}

	if _, ok := ctx.Deadline(); !ok && d.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.defaultTimeout)
		defer cancel()
	}

	outcomes := make([]TargetOutcome, len(candidates))

	var wg sync.WaitGroup
	for i, member := range candidates {
		wg.Add(1)

		go func(i int, member ClusterMember) {
			defer wg.Done()

			value, err := d.callTarget(ctx, member, req, payload)
			outcomes[i] = TargetOutcome{MemberID: member.ID, Value: value, Err: err}
		}(i, member)
	}
	wg.Wait()

	return d.combine(req, candidates, outcomes)
}

// candidates resolves the member set eligible to execute the request. A
// RoleBoth execution filter means "wherever the relevant state lives", so
// the request's own target hint takes over when it provides one.
func (d *Dispatcher) candidates(req Request) []ClusterMember {
	filter := req.NodeTypeToHandle()

	if filter == RoleBoth {
		if hinter, ok := req.(TargetHinter); ok {
			return hinter.TargetMembers(d.directory)
		}
	}

	return d.directory.MembersForRole(filter)
}

// callTarget executes the request on one member: in-process when the member
// is the local node, over the wire otherwise.
func (d *Dispatcher) callTarget(ctx context.Context, member ClusterMember, req Request, payload []byte) (interface{}, error) {

	if member.ID == d.directory.LocalMember().ID {
		return d.callLocal(ctx, req)
	}

	client, err := d.router.GetClient(member.ID)
	if err != nil {
		return nil, err
	}

	reply, err := client.Call(ctx, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "rpc '%s' to member '%s' failed", req.Name(), member.ID)
	}

	return decodeReply(d.registry, reply)
}

// callLocal runs the handler in-process. A panicking handler is converted
// into a failed target outcome so it can never take the node down.
func (d *Dispatcher) callLocal(ctx context.Context, req Request) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc '%s' handler panicked: %v", req.Name(), r)
		}
	}()

	return req.Call(ctx, d.env)
}

// combine folds the per-target outcomes into the overall result per the
// request's reply combiner and failure policy.
func (d *Dispatcher) combine(req Request, candidates []ClusterMember, outcomes []TargetOutcome) (*DispatchResult, error) {

	merge := orReplies
	policy := PolicyAnySuccess
	if combiner, ok := req.(ReplyCombiner); ok {
		merge = combiner.CombineReplies
		policy = combiner.FailurePolicy()
	}

	respondFilter := req.NodeTypeToRespond()

	var acc interface{}
	successes := 0
	failures := 0

	for i, outcome := range outcomes {
		if outcome.Err != nil {
			failures++
			log.Errorf("Target '%s' failed to handle rpc '%s': %v", outcome.MemberID, req.Name(), outcome.Err)

			if stderrors.Is(outcome.Err, transport.ErrUnavailable) {
				// Unreachable members are evicted by the membership
				// failure detector; nothing to do here beyond reporting.
				log.Errorf("Member '%s' is unreachable and pending eviction", outcome.MemberID)
			}
			continue
		}

		if !respondFilter.Matches(candidates[i].Role) {
			continue
		}

		acc = merge(acc, outcome.Value)
		successes++
	}

	result := &DispatchResult{Value: acc, Targets: outcomes}

	switch policy {
	case PolicyAllSuccess:
		if failures > 0 {
			return result, errors.Wrapf(ErrAllTargetsFailed, "rpc '%s' requires every target to succeed but %d of %d failed", req.Name(), failures, len(outcomes))
		}
	default:
		if successes == 0 && failures > 0 {
			return result, errors.Wrapf(ErrAllTargetsFailed, "rpc '%s'", req.Name())
		}
	}

	return result, nil
}
