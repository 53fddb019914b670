package batch

import "sync"

// State is the lifecycle position of the current batch.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateReceiving:
		return "RECEIVING"
	case StateFinalizing:
		return "FINALIZING"
	default:
		return "IDLE"
	}
}

// MarshalText renders the state by name in JSON documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Gate separates DATA records from rotation. Records hold it shared while
// they count, transform and append; rotation holds it exclusively, so it
// starts only after every admitted record finished and no record of the next
// batch runs until the counters are reset.
type Gate struct {
	barrier sync.RWMutex

	mu    sync.Mutex
	state State
	last  *Rotation
}

// NewGate returns an idle gate.
func NewGate() *Gate {
	return &Gate{}
}

// Admit blocks while a rotation is running, then admits one DATA record. The
// returned func releases it and is safe to call more than once.
func (g *Gate) Admit() (release func()) {
	g.barrier.RLock()
	g.mu.Lock()
	if g.state == StateIdle {
		g.state = StateReceiving
	}
	g.mu.Unlock()

	var once sync.Once
	return func() { once.Do(g.barrier.RUnlock) }
}

// Drain waits for admitted records to finish and holds new ones back. The
// returned func ends the rotation and moves the gate to next.
func (g *Gate) Drain() (finish func(next State)) {
	g.barrier.Lock()
	g.setState(StateFinalizing)

	var once sync.Once
	return func(next State) {
		once.Do(func() {
			g.setState(next)
			g.barrier.Unlock()
		})
	}
}

// State returns the current batch state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Gate) recordRotation(r Rotation) {
	g.mu.Lock()
	g.last = &r
	g.mu.Unlock()
}

// LastRotation returns the outcome of the most recent rotation attempt that
// did not fail.
func (g *Gate) LastRotation() (Rotation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == nil {
		return Rotation{}, false
	}
	return *g.last, true
}
