package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docopt/docopt-go"

	"github.com/playmesh/playsync/playsync"
)

const PlaysyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

// defaults, overridable by flags
type CtlConfig struct {
	ListenAddr string `env:"PLAYSYNC_LISTEN" envDefault:":7780"`
	RelayUrl   string `env:"PLAYSYNC_RELAY_URL" envDefault:"ws://127.0.0.1:7780"`
	Session    string `env:"PLAYSYNC_SESSION" envDefault:"demo"`
}

func main() {
	usage := `Playsync control.

Runs the demo counter session. Start a relay, then host or join the same
session from any number of terminals. The first peer to join is the host;
close the host and watch a survivor take over.

Usage:
    playsyncctl relay [--listen=<addr>]
    playsyncctl host [--relay_url=<relay_url>] [--session=<name>]
        [--seed=<seed>]
    playsyncctl join [--relay_url=<relay_url>] [--session=<name>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --listen=<addr>          Relay listen address.
    --relay_url=<relay_url>  Relay websocket url.
    --session=<name>         Session name.
    --seed=<seed>            Session seed. Omit for a random seed.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PlaysyncCtlVersion)
	if err != nil {
		panic(err)
	}

	// glog to stderr without requiring -logtostderr on the command line
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})

	config := &CtlConfig{}
	if err := env.Parse(config); err != nil {
		Err.Fatalf("config: %s", err)
	}
	if listenAddr, err := opts.String("--listen"); err == nil {
		config.ListenAddr = listenAddr
	}
	if relayUrl, err := opts.String("--relay_url"); err == nil {
		config.RelayUrl = relayUrl
	}
	if session, err := opts.String("--session"); err == nil {
		config.Session = session
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		relay(config)
	} else if host_, _ := opts.Bool("host"); host_ {
		var seed int64
		if seed_, err := opts.Int("--seed"); err == nil {
			seed = int64(seed_)
		}
		play(config, seed)
	} else if join_, _ := opts.Bool("join"); join_ {
		play(config, 0)
	}
}

func relay(config *CtlConfig) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := playsync.NewWsRelayWithDefaults(cancelCtx)
	defer relay.Close()

	Out.Printf("relay listening on %s", config.ListenAddr)
	if err := relay.ListenAndServe(config.ListenAddr); err != nil {
		Err.Fatalf("relay: %s", err)
	}
}

// the demo game: a shared counter plus one decaying heat value per player.
// "tap" bumps the counter and heats the tapper; the cooling system bleeds
// heat off at a fixed rate on whoever is hosting.
func demoGame() *playsync.GameDefinition {
	return playsync.RequireGame(&playsync.GameDefinition{
		Setup: func(random *playsync.SeededRandom) map[string]any {
			return map[string]any{
				"count":   0,
				"lucky":   random.Range(1, 100),
				"players": map[string]any{},
			}
		},
		Actions: map[string]*playsync.ActionDefinition{
			"tap": {
				Schema: playsync.InputSchema{
					"strength": playsync.NumberField(1, 10),
				},
				Cooldown: 200 * time.Millisecond,
				RateLimit: &playsync.RateLimit{
					Count:  20,
					Window: 10 * time.Second,
				},
				Apply: func(state map[string]any, ctx *playsync.ActionContext, input map[string]any) {
					count, _ := state["count"].(float64)
					strength, _ := input["strength"].(float64)
					state["count"] = count + strength

					players := state["players"].(map[string]any)
					if player, ok := players[ctx.ActorId.String()].(map[string]any); ok {
						heat, _ := player["heat"].(float64)
						player["heat"] = heat + strength
					}
				},
			},
		},
		Systems: map[string]*playsync.SystemDefinition{
			"cooling": {
				Rate: 250 * time.Millisecond,
				Tick: func(state map[string]any, delta time.Duration) {
					players := state["players"].(map[string]any)
					for _, value := range players {
						player, ok := value.(map[string]any)
						if !ok {
							continue
						}
						heat, _ := player["heat"].(float64)
						if 0 < heat {
							player["heat"] = max(0, heat-1)
						}
					}
				},
			},
		},
		OnPlayerJoin: func(state map[string]any, playerId playsync.Id) {
			players := state["players"].(map[string]any)
			players[playerId.String()] = map[string]any{
				"heat": float64(0),
			}
		},
		OnPlayerLeave: func(state map[string]any, playerId playsync.Id) {
			players := state["players"].(map[string]any)
			delete(players, playerId.String())
		},
	})
}

func play(config *CtlConfig, seed int64) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := fmt.Sprintf("%s/?session=%s", config.RelayUrl, config.Session)
	transport := playsync.NewWsTransportWithDefaults(cancelCtx, url)
	defer transport.Close()

	settings := playsync.DefaultRuntimeSettings()
	settings.Seed = seed
	runtime := playsync.NewRuntime(cancelCtx, demoGame(), transport, settings)
	defer runtime.Close()

	Out.Printf("player %s in session %q", runtime.PlayerId(), config.Session)

	runtime.OnChange(func(state map[string]any, ops []playsync.DiffOp) {
		if ops == nil {
			Out.Printf("snapshot: count=%v host=%s", state["count"], runtime.HostId())
		} else {
			Out.Printf("count=%v (%d ops)", state["count"], len(ops))
		}
	})
	runtime.OnEvent("hello", func(senderId playsync.Id, payload any) {
		Out.Printf("hello from %s: %v", senderId, payload)
	})

	// wait for the session, then announce and start tapping
	for runtime.SessionState() != playsync.SessionActive {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-cancelCtx.Done():
			return
		}
	}
	if runtime.IsHost() {
		Out.Printf("hosting with seed %d", runtime.Seed())
	}
	runtime.BroadcastEvent("hello", runtime.PlayerId().String())

	go func() {
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-time.After(1 * time.Second):
			}
			err := runtime.SubmitAction("tap", map[string]any{
				"strength": float64(1),
			})
			if err != nil {
				Out.Printf("tap rejected: %s", err)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		Out.Printf("leaving")
	case <-cancelCtx.Done():
	}
}
