package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxellife/core"
	"voxellife/rules"
)

// ControlMessage is a client command received over the websocket.
type ControlMessage struct {
	Command  string         `json:"command"` // start, stop, step, reseed, rule, boundary
	Seed     int64          `json:"seed,omitempty"`
	Density  float64        `json:"density,omitempty"`
	Family   string         `json:"family,omitempty"`
	Preset   string         `json:"preset,omitempty"`
	Rule     *rules.RuleSet `json:"rule,omitempty"`
	Boundary string         `json:"boundary,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PresetCatalog is the /presets response: the rule catalog grouped by
// its display categories.
type PresetCatalog struct {
	Categories []string       `json:"categories"`
	Presets    []rules.Preset `json:"presets"`
}

// SnapshotData is the sparse board exchanged over /snapshot.
type SnapshotData struct {
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Depth      int            `json:"depth"`
	Boundary   string         `json:"boundary"`
	Generation uint64         `json:"generation"`
	Cells      []SnapshotCell `json:"cells"`
}

type SnapshotCell struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
	State uint32 `json:"state"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

var clients = make(map[*websocket.Conn]*sync.Mutex)
var clientsMutex sync.RWMutex

// startServer serves simulation status over a websocket and snapshots
// over plain HTTP. Blocks; run it on its own goroutine next to the
// simulation loop.
func startServer(sim *Simulation, port, updateIntervalMs int) {
	go broadcastLoop(sim, updateIntervalMs)

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(sim, w, r)
	})
	http.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		handleSnapshot(sim, w, r)
	})
	http.HandleFunc("/presets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PresetCatalog{
			Categories: rules.Categories(),
			Presets:    rules.Presets(),
		})
	})

	fmt.Printf("Server starting on http://localhost:%d\n", port)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", port), nil))
}

func handleWebSocket(sim *Simulation, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("WebSocket upgrade error:", err)
		return
	}
	defer conn.Close()

	connMutex := &sync.Mutex{}
	clientsMutex.Lock()
	clients[conn] = connMutex
	clientsMutex.Unlock()
	defer func() {
		clientsMutex.Lock()
		delete(clients, conn)
		clientsMutex.Unlock()
	}()

	// Initial status so the client can render immediately.
	connMutex.Lock()
	conn.WriteJSON(sim.Stats())
	connMutex.Unlock()

	for {
		var msg ControlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Println("WebSocket read error:", err)
			}
			break
		}
		if err := applyControl(sim, msg); err != nil {
			connMutex.Lock()
			conn.WriteJSON(errorMessage{Type: "error", Message: err.Error()})
			connMutex.Unlock()
		}
	}
}

func applyControl(sim *Simulation, msg ControlMessage) error {
	switch msg.Command {
	case "start":
		sim.SetRunning(true)
	case "stop":
		sim.SetRunning(false)
	case "step":
		if !sim.Enqueue(func(s *Simulation) {
			if err := s.Step(true); err != nil {
				log.Println("Step error:", err)
			}
		}) {
			return fmt.Errorf("command queue full")
		}
	case "reseed":
		seed, density := msg.Seed, msg.Density
		if !sim.Enqueue(func(s *Simulation) {
			if err := s.Reseed(seed, density); err != nil {
				log.Println("Reseed error:", err)
			}
		}) {
			return fmt.Errorf("command queue full")
		}
	case "rule":
		rs, err := ruleFromMessage(msg)
		if err != nil {
			return err
		}
		// Validation happens here so the client hears about a rejected
		// rule; the previous rule stays active.
		return sim.SetRule(rs)
	case "boundary":
		b := core.Toroidal
		if msg.Boundary == "fixed" {
			b = core.Fixed
		} else if msg.Boundary != "toroidal" {
			return fmt.Errorf("unknown boundary %q", msg.Boundary)
		}
		if !sim.Enqueue(func(s *Simulation) {
			s.Pipeline().SetBoundary(b)
		}) {
			return fmt.Errorf("command queue full")
		}
	default:
		return fmt.Errorf("unknown command %q", msg.Command)
	}
	return nil
}

func ruleFromMessage(msg ControlMessage) (rules.RuleSet, error) {
	if msg.Rule != nil {
		return *msg.Rule, nil
	}
	if msg.Preset != "" {
		p, ok := rules.PresetByName(msg.Preset)
		if !ok {
			return rules.RuleSet{}, fmt.Errorf("%w: unknown preset %q", rules.ErrInvalidRuleSet, msg.Preset)
		}
		return p.Rule, nil
	}
	family, ok := rules.FamilyByName(msg.Family)
	if !ok || family == rules.Custom {
		return rules.RuleSet{}, fmt.Errorf("%w: family %q needs explicit ranges", rules.ErrInvalidRuleSet, msg.Family)
	}
	return rules.ForFamily(family), nil
}

func handleSnapshot(sim *Simulation, w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sg, err := sim.SnapshotSync(10 * time.Second)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stats := sim.Stats()
		snap := SnapshotData{
			Width:      sg.Width(),
			Height:     sg.Height(),
			Depth:      sg.Depth(),
			Boundary:   stats.Boundary,
			Generation: stats.Generation,
			Cells:      make([]SnapshotCell, 0, sg.Population()),
		}
		sg.ForEach(func(x, y, z int, state uint32) {
			snap.Cells = append(snap.Cells, SnapshotCell{X: x, Y: y, Z: z, State: state})
		})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)

	case http.MethodPost:
		var snap SnapshotData
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			http.Error(w, "invalid snapshot: "+err.Error(), http.StatusBadRequest)
			return
		}
		sg, err := core.NewSparseGrid(snap.Width, snap.Height, snap.Depth)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, c := range snap.Cells {
			if err := sg.Set(c.X, c.Y, c.Z, c.State); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if err := sim.LoadSnapshotSync(sg, 10*time.Second); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, core.ErrInvalidDimensions) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func broadcastLoop(sim *Simulation, updateIntervalMs int) {
	if updateIntervalMs <= 0 {
		updateIntervalMs = 100
	}
	ticker := time.NewTicker(time.Duration(updateIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		broadcastStats(sim.Stats())
	}
}

func broadcastStats(stats Stats) {
	clientsMutex.RLock()
	clientsToRemove := []*websocket.Conn{}
	for client, mutex := range clients {
		mutex.Lock()
		err := client.WriteJSON(stats)
		mutex.Unlock()
		if err != nil {
			log.Println("WebSocket write error:", err)
			client.Close()
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	clientsMutex.RUnlock()

	if len(clientsToRemove) > 0 {
		clientsMutex.Lock()
		for _, client := range clientsToRemove {
			delete(clients, client)
		}
		clientsMutex.Unlock()
	}
}
