package playsync

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Host-side action execution. Every invocation runs the same fixed,
// short-circuiting pipeline: schema, cooldown, rate limit, proximity,
// custom predicate, then apply. A rejection at any stage drops the
// invocation with zero state mutation and zero diff emission. Rejection
// reasons are visible on the host only; clients never receive them, so a
// probing client cannot map out the anti-cheat gates.

var ErrUnknownAction = errors.New("unknown action")
var ErrPredicateRejected = errors.New("predicate rejected the action")

type CooldownError struct {
	Action    string
	Remaining time.Duration
}

func (self *CooldownError) Error() string {
	return fmt.Sprintf("action %q on cooldown for another %s", self.Action, self.Remaining)
}

type RateLimitError struct {
	Action string
	Count  int
	Window time.Duration
}

func (self *RateLimitError) Error() string {
	return fmt.Sprintf("action %q exceeded %d per %s", self.Action, self.Count, self.Window)
}

type ProximityError struct {
	Action   string
	Distance float64
	Radius   float64
}

func (self *ProximityError) Error() string {
	return fmt.Sprintf("action %q out of range: %.2f > %.2f", self.Action, self.Distance, self.Radius)
}

// ActionContext carries the host-assigned execution context into apply.
type ActionContext struct {
	ActorId   Id
	TargetId  Id
	Timestamp time.Time
}

type ApplyFunc func(state map[string]any, ctx *ActionContext, input map[string]any)

type PredicateFunc func(state map[string]any, ctx *ActionContext, input map[string]any) bool

type RateLimit struct {
	Count  int
	Window time.Duration
}

// ProximityRule rejects an invocation when the actor is farther than
// Radius from the anchor entity. Paths are state tree paths; the segments
// "{actor}" and "{target}" substitute the invocation's actor and target
// ids. Both entities must carry numeric "x" and "y" fields.
type ProximityRule struct {
	ActorPath  []string
	AnchorPath []string
	Radius     float64
}

type ActionDefinition struct {
	Apply     ApplyFunc
	Schema    InputSchema
	Cooldown  time.Duration
	RateLimit *RateLimit
	Proximity *ProximityRule
	Predicate PredicateFunc
}

type ActionInvocation struct {
	Name     string         `json:"name"`
	Input    map[string]any `json:"input,omitempty"`
	ActorId  Id             `json:"actorId"`
	TargetId *Id            `json:"targetId,omitempty"`
}

type actionActorKey struct {
	action string
	actor  Id
}

type actionExecutor struct {
	actions map[string]*ActionDefinition

	lastInvocation map[actionActorKey]time.Time
	windowTimes    map[actionActorKey][]time.Time
}

func newActionExecutor(actions map[string]*ActionDefinition) *actionExecutor {
	return &actionExecutor{
		actions:        actions,
		lastInvocation: map[actionActorKey]time.Time{},
		windowTimes:    map[actionActorKey][]time.Time{},
	}
}

// Execute validates the invocation and applies it to the state in place.
// The returned error is the host-only rejection reason.
func (self *actionExecutor) Execute(state map[string]any, invocation *ActionInvocation, now time.Time) error {
	action, ok := self.actions[invocation.Name]
	if !ok {
		return ErrUnknownAction
	}

	input := invocation.Input
	if action.Schema != nil {
		validated, err := action.Schema.Validate(input)
		if err != nil {
			return err
		}
		input = validated
	}

	key := actionActorKey{
		action: invocation.Name,
		actor:  invocation.ActorId,
	}

	if 0 < action.Cooldown {
		if last, ok := self.lastInvocation[key]; ok {
			if elapsed := now.Sub(last); elapsed < action.Cooldown {
				return &CooldownError{
					Action:    invocation.Name,
					Remaining: action.Cooldown - elapsed,
				}
			}
		}
	}

	if action.RateLimit != nil {
		times := self.windowTimes[key]
		cutoff := now.Add(-action.RateLimit.Window)
		live := times[:0]
		for _, t := range times {
			if cutoff.Before(t) {
				live = append(live, t)
			}
		}
		self.windowTimes[key] = live
		if action.RateLimit.Count <= len(live) {
			return &RateLimitError{
				Action: invocation.Name,
				Count:  action.RateLimit.Count,
				Window: action.RateLimit.Window,
			}
		}
	}

	ctx := &ActionContext{
		ActorId:   invocation.ActorId,
		Timestamp: now,
	}
	if invocation.TargetId != nil {
		ctx.TargetId = *invocation.TargetId
	}

	if action.Proximity != nil {
		distance, err := proximityDistance(state, action.Proximity, ctx)
		if err != nil {
			return err
		}
		if action.Proximity.Radius < distance {
			return &ProximityError{
				Action:   invocation.Name,
				Distance: distance,
				Radius:   action.Proximity.Radius,
			}
		}
	}

	if action.Predicate != nil {
		if !action.Predicate(state, ctx, input) {
			return ErrPredicateRejected
		}
	}

	action.Apply(state, ctx, input)

	self.lastInvocation[key] = now
	if action.RateLimit != nil {
		self.windowTimes[key] = append(self.windowTimes[key], now)
	}
	return nil
}

func proximityDistance(state map[string]any, rule *ProximityRule, ctx *ActionContext) (float64, error) {
	ax, ay, err := entityPosition(state, rule.ActorPath, ctx)
	if err != nil {
		return 0, err
	}
	rx, ry, err := entityPosition(state, rule.AnchorPath, ctx)
	if err != nil {
		return 0, err
	}
	return math.Hypot(ax-rx, ay-ry), nil
}

func entityPosition(state map[string]any, path []string, ctx *ActionContext) (float64, float64, error) {
	var node any = state
	for _, segment := range path {
		switch segment {
		case "{actor}":
			segment = ctx.ActorId.String()
		case "{target}":
			segment = ctx.TargetId.String()
		}
		record, ok := node.(map[string]any)
		if !ok {
			return 0, 0, fmt.Errorf("no entity at %s", pathString(path))
		}
		node, ok = record[segment]
		if !ok {
			return 0, 0, fmt.Errorf("no entity at %s", pathString(path))
		}
	}
	entity, ok := node.(map[string]any)
	if !ok {
		return 0, 0, fmt.Errorf("no entity at %s", pathString(path))
	}
	x, xok := coerceNumber(entity["x"])
	y, yok := coerceNumber(entity["y"])
	if !xok || !yok {
		return 0, 0, fmt.Errorf("entity at %s has no position", pathString(path))
	}
	return x, y, nil
}

// forgetActor drops per-actor bookkeeping after the actor leaves
func (self *actionExecutor) forgetActor(actorId Id) {
	for key := range self.lastInvocation {
		if key.actor == actorId {
			delete(self.lastInvocation, key)
		}
	}
	for key := range self.windowTimes {
		if key.actor == actorId {
			delete(self.windowTimes, key)
		}
	}
}
