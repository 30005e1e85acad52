package playsync

import (
	"fmt"
)

// Embedding API. A game is a setup function, a set of named actions, a set
// of named periodic systems, and optional player lifecycle hooks. The
// runtime owns when these run; the game owns what they do.

type SetupFunc func(random *SeededRandom) map[string]any

type PlayerHookFunc func(state map[string]any, playerId Id)

type GameDefinition struct {
	// builds the initial state. Runs once, on the host, at session start.
	// The random source is seeded with the session seed, so a setup that
	// only draws randomness from it is reproducible from the seed alone.
	Setup SetupFunc

	Actions map[string]*ActionDefinition
	Systems map[string]*SystemDefinition

	// run on the host turn loop and may mutate state.
	// The host's own player id is passed to OnPlayerJoin at session start.
	OnPlayerJoin  PlayerHookFunc
	OnPlayerLeave PlayerHookFunc

	// sequence fields diffed by identity instead of index,
	// see DiffSettings.KeyedCollections
	KeyedCollections map[string]string
}

// DefineGame validates a game definition.
func DefineGame(game *GameDefinition) (*GameDefinition, error) {
	if game.Setup == nil {
		return nil, fmt.Errorf("game needs a setup function")
	}
	for name, action := range game.Actions {
		if name == "" {
			return nil, fmt.Errorf("action with empty name")
		}
		if action == nil || action.Apply == nil {
			return nil, fmt.Errorf("action %q needs an apply function", name)
		}
		if action.RateLimit != nil && (action.RateLimit.Count <= 0 || action.RateLimit.Window <= 0) {
			return nil, fmt.Errorf("action %q has an invalid rate limit", name)
		}
		if action.Proximity != nil && action.Proximity.Radius < 0 {
			return nil, fmt.Errorf("action %q has a negative proximity radius", name)
		}
	}
	for name, system := range game.Systems {
		if name == "" {
			return nil, fmt.Errorf("system with empty name")
		}
		if system == nil || system.Tick == nil {
			return nil, fmt.Errorf("system %q needs a tick function", name)
		}
		if system.Rate <= 0 {
			return nil, fmt.Errorf("system %q needs a positive rate", name)
		}
	}
	return game, nil
}

func RequireGame(game *GameDefinition) *GameDefinition {
	defined, err := DefineGame(game)
	if err != nil {
		panic(err)
	}
	return defined
}
