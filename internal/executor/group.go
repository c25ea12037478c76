package executor

import (
	"errors"
	"fmt"
	"legguard/internal/models"
	"math"
	"sync"
	"time"
)

type GroupState string

const (
	GroupNew         GroupState = "New"
	GroupRejected    GroupState = "Rejected"
	GroupDispatched  GroupState = "Dispatched"
	GroupComplete    GroupState = "Complete"
	GroupMixedFailed GroupState = "MixedFailed"
	GroupFlattening  GroupState = "Flattening"
	GroupFlattened   GroupState = "Flattened"
)

// MaxLegs bounds a group. Leg indexes above it are reserved for rescue, close and hedge intents.
const MaxLegs = 16

var ErrIllegalGroupTransition = errors.New("Недопустимый переход состояния группы.")

var groupTransitions = map[GroupState][]GroupState{
	GroupNew:         {GroupDispatched, GroupRejected},
	GroupDispatched:  {GroupComplete, GroupMixedFailed, GroupFlattening},
	GroupMixedFailed: {GroupComplete, GroupFlattening},
	GroupFlattening:  {GroupFlattened},
}

func (s GroupState) Terminal() bool {
	return s == GroupComplete || s == GroupRejected || s == GroupFlattened
}

type LegSpec struct {
	Instrument   models.Instrument
	Side         models.Side
	Qty          float64
	LimitPrice   float64
	FairPrice    float64
	GrossEdgeUSD *float64
	IndexPrice   float64
	Contracts    *int64
}

type GroupSpec struct {
	ID string
	// Fingerprint identifies the structure for the churn breaker. Defaults to the joined leg
	// instruments and sides.
	Fingerprint string
	Legs        []LegSpec
}

// LegResult aggregates every intent sent for one leg of the group.
type LegResult struct {
	LegIdx       int
	Hashes       []string
	Instrument   string
	Side         models.Side
	RequestedQty float64
	FilledQty    float64
	Rejected     bool
	// Terminal is false when at least one intent's outcome is unknown.
	Terminal bool
	Err      error
}

func (r LegResult) Missing() float64 {
	return math.Max(0, r.RequestedQty-r.FilledQty)
}

// Group is owned by the executor while Execute runs. Other goroutines only read snapshots.
type Group struct {
	mu        sync.Mutex
	spec      GroupSpec
	state     GroupState
	history   []GroupState
	legs      []LegResult
	rescues   int
	closes    int
	hedged    bool
	residual  map[string]float64
	startedAt time.Time
	doneAt    time.Time
}

func NewGroup(spec GroupSpec) *Group {
	if spec.ID == "" {
		spec.ID = NewGroupID()
	}
	legs := make([]LegResult, len(spec.Legs))
	for i, l := range spec.Legs {
		legs[i] = LegResult{LegIdx: i, Instrument: l.Instrument.Name, Side: l.Side, RequestedQty: l.Qty, Terminal: true}
	}
	return &Group{spec: spec, state: GroupNew, history: []GroupState{GroupNew}, legs: legs}
}

func (g *Group) ID() string {
	return g.spec.ID
}

func (g *Group) State() GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// advance moves the group along the transition table. MixedFailed can only be left for Complete
// or Flattening, so the first failure is never overwritten by a later dispatch outcome.
func (g *Group) advance(to GroupState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, allowed := range groupTransitions[g.state] {
		if allowed == to {
			g.state = to
			g.history = append(g.history, to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalGroupTransition, g.state, to)
}

func (g *Group) record(r sendResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := &g.legs[r.leg]
	l.Hashes = append(l.Hashes, r.hash)
	l.FilledQty += r.filled
	l.Terminal = l.Terminal && r.terminal
	l.Rejected = l.Rejected || r.rejected
	if r.err != nil {
		l.Err = errors.Join(l.Err, r.err)
	}
}

func (g *Group) noteRescue() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rescues++
}

func (g *Group) noteClose(r CloseReport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes += r.Attempts
	g.hedged = g.hedged || r.Hedged
	g.residual = r.Residual
	g.doneAt = r.FinishedAt
}

type GroupSnapshot struct {
	ID             string
	State          GroupState
	History        []GroupState
	Legs           []LegResult
	RescueAttempts int
	CloseAttempts  int
	Hedged         bool
	Residual       map[string]float64
	StartedAt      time.Time
	FinishedAt     time.Time
}

func (g *Group) Snapshot() GroupSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	residual := make(map[string]float64, len(g.residual))
	for k, v := range g.residual {
		residual[k] = v
	}
	return GroupSnapshot{
		ID:             g.spec.ID,
		State:          g.state,
		History:        append([]GroupState(nil), g.history...),
		Legs:           append([]LegResult(nil), g.legs...),
		RescueAttempts: g.rescues,
		CloseAttempts:  g.closes,
		Hedged:         g.hedged,
		Residual:       residual,
		StartedAt:      g.startedAt,
		FinishedAt:     g.doneAt,
	}
}

// FillMismatch is the spread between the most and least filled legs, each normalized by its
// requested size so ratio structures compare like for like. The fold seeds with +Inf/-Inf so a
// zero-fill leg is counted.
func FillMismatch(legs []LegResult) float64 {
	if len(legs) == 0 {
		return 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, l := range legs {
		f := l.fillRatio()
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	return hi - lo
}

func (r LegResult) fillRatio() float64 {
	if r.RequestedQty <= 0 {
		return 0
	}
	return r.FilledQty / r.RequestedQty
}

// AnyPartial reports a leg that filled some but not all of its size.
func AnyPartial(legs []LegResult, eps float64) bool {
	for _, l := range legs {
		if l.FilledQty > eps && l.FilledQty+eps < l.RequestedQty {
			return true
		}
	}
	return false
}

func allTerminal(legs []LegResult) bool {
	for _, l := range legs {
		if !l.Terminal {
			return false
		}
	}
	return true
}

func fingerprint(spec GroupSpec) string {
	if spec.Fingerprint != "" {
		return spec.Fingerprint
	}
	fp := ""
	for i, l := range spec.Legs {
		if i > 0 {
			fp += "|"
		}
		fp += string(l.Side) + ":" + l.Instrument.Name
	}
	return fp
}
