// ABOUTME: Reference agent that connects to the relay and pushes snapshots
// ABOUTME: Usage: qm-agent [-config agent.toml] [-url ws://localhost:8080/agent/ws] [-key qm_...]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/websocket"

	"github.com/quartermaster/qm-relay/internal/wire"
)

// agentConfig is the TOML config file shape.
type agentConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`

	HeartbeatInterval duration `toml:"heartbeat_interval"`

	// Initial configuration the agent reports.
	ServerName  string   `toml:"server_name"`
	ModList     []string `toml:"mod_list"`
	PlayerLimit int      `toml:"player_limit"`
}

// duration wraps time.Duration for TOML unmarshaling from strings.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// serverState is the agent's local view of the game server configuration.
type serverState struct {
	mu      sync.Mutex
	version int64
	fields  map[string]json.RawMessage
}

// snapshot returns a wire snapshot of the current state.
func (s *serverState) snapshot() wire.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := make(map[string]json.RawMessage, len(s.fields))
	for k, v := range s.fields {
		fields[k] = v
	}
	return wire.Snapshot{
		Version:    s.version,
		Fields:     fields,
		CapturedAt: time.Now().UTC(),
	}
}

// apply sets a field and bumps the version.
func (s *serverState) apply(field string, value json.RawMessage) wire.Snapshot {
	s.mu.Lock()
	s.fields[field] = value
	s.version++
	s.mu.Unlock()
	return s.snapshot()
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	url := flag.String("url", "ws://localhost:8080/agent/ws", "relay websocket URL")
	key := flag.String("key", "", "tenant API key")
	flag.Parse()

	cfg := agentConfig{
		URL:               *url,
		APIKey:            *key,
		HeartbeatInterval: duration{10 * time.Second},
		ServerName:        "game-server",
		PlayerLimit:       32,
	}
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			log.Fatalf("loading config: %v", err)
		}
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("QM_AGENT_KEY")
	}
	if cfg.APIKey == "" {
		log.Fatal("api key required: pass -key, set api_key in the config, or set QM_AGENT_KEY")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg agentConfig) error {
	state := &serverState{
		version: 1,
		fields:  initialFields(cfg),
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	defer ws.Close()

	var writeMu sync.Mutex
	send := func(msgType string, payload any) error {
		data, err := wire.Encode(msgType, payload)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteMessage(websocket.TextMessage, data)
	}

	// Handshake
	if err := send(wire.TypeHello, wire.Hello{
		APIKey:          cfg.APIKey,
		ProtocolVersion: wire.ProtocolVersion,
	}); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		return fmt.Errorf("decoding handshake response: %w", err)
	}
	switch env.Type {
	case wire.TypeWelcome:
		var welcome wire.Welcome
		if err := env.DecodePayload(&welcome); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "connected as tenant %s\n", welcome.TenantID)
	case wire.TypeAuthFail:
		var fail wire.AuthFail
		if err := env.DecodePayload(&fail); err != nil {
			return err
		}
		return fmt.Errorf("authentication rejected: %s", fail.Code)
	default:
		return fmt.Errorf("unexpected handshake response: %s", env.Type)
	}

	// Initial full snapshot
	if err := send(wire.TypeSnapshot, state.snapshot()); err != nil {
		return fmt.Errorf("sending initial snapshot: %w", err)
	}

	// Heartbeat loop
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := send(wire.TypeHeartbeat, wire.Heartbeat{Timestamp: time.Now().UTC()}); err != nil {
					return
				}
			}
		}
	}()

	// Close the socket when the context ends so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	// Message loop
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		env, err := wire.Decode(data)
		if err != nil {
			log.Printf("ignoring malformed frame: %v", err)
			continue
		}

		switch env.Type {
		case wire.TypeCommand:
			var cmd wire.Command
			if err := env.DecodePayload(&cmd); err != nil {
				log.Printf("ignoring malformed command: %v", err)
				continue
			}
			if !wire.IsEditableField(cmd.Field) {
				if err := send(wire.TypeCommandNack, wire.CommandNack{
					Sequence: cmd.Sequence,
					Error:    fmt.Sprintf("unknown field %q", cmd.Field),
				}); err != nil {
					return err
				}
				continue
			}

			snap := state.apply(cmd.Field, cmd.Value)
			if err := send(wire.TypeCommandAck, wire.CommandAck{Sequence: cmd.Sequence}); err != nil {
				return err
			}
			if err := send(wire.TypeSnapshot, snap); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "applied command %d: %s\n", cmd.Sequence, cmd.Field)

		case wire.TypeResyncRequest:
			if err := send(wire.TypeSnapshot, state.snapshot()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "resync: full snapshot sent")

		default:
			log.Printf("ignoring unexpected frame: %s", env.Type)
		}
	}
}

// initialFields builds the first snapshot's field set from the config.
func initialFields(cfg agentConfig) map[string]json.RawMessage {
	fields := make(map[string]json.RawMessage)

	name, _ := json.Marshal(cfg.ServerName)
	fields[wire.FieldServerName] = name

	mods := cfg.ModList
	if mods == nil {
		mods = []string{}
	}
	modList, _ := json.Marshal(mods)
	fields[wire.FieldModList] = modList

	limit, _ := json.Marshal(cfg.PlayerLimit)
	fields[wire.FieldPlayerLimit] = limit

	return fields
}
