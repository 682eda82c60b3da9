// Package status tracks sync progress and recent log lines and serves them
// over HTTP and WebSocket.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/provider"
)

// DefaultLogCapacity is the number of log lines kept in memory.
const DefaultLogCapacity = 1000

// Phase is the state of one token within a sync run.
type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseDiscovering Phase = "discovering"
	PhaseProcessing  Phase = "processing"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// TokenProgress is the per-token view of a sync run.
type TokenProgress struct {
	Token        string    `json:"token"`
	Symbol       string    `json:"symbol"`
	Phase        Phase     `json:"phase"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	CoveredUntil time.Time `json:"covered_until"`
	Pages        int64     `json:"pages"`
	Transactions int64     `json:"transactions"`
	Legs         int64     `json:"legs"`
	FeeLegs      int64     `json:"fee_legs"`
	Wallets      int64     `json:"wallets"` // distinct wallets with non-fee legs
	Skipped      int64     `json:"skipped"`
	Error        string    `json:"error,omitempty"`
}

// Fraction estimates how much of the token's range has been covered, in [0, 1].
func (p TokenProgress) Fraction() float64 {
	switch p.Phase {
	case PhaseDone, PhaseFailed:
		return 1
	}
	total := p.To.Sub(p.From)
	if total <= 0 || p.CoveredUntil.IsZero() {
		return 0
	}
	f := float64(p.CoveredUntil.Sub(p.From)) / float64(total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	RunID          string          `json:"run_id"`
	Running        bool            `json:"running"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
	ETASeconds     float64         `json:"eta_seconds"`
	Progress       float64         `json:"progress"`
	Transactions   int64           `json:"transactions"`
	Legs           int64           `json:"legs"`
	FeeLegs        int64           `json:"fee_legs"`
	Wallets        int64           `json:"wallets"`
	Tokens         []TokenProgress `json:"tokens"`
}

// LogLine is one captured log message.
type LogLine struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// EventType distinguishes subscription events.
type EventType string

const (
	EventProgress EventType = "progress"
	EventLog      EventType = "log"
)

// Event is delivered to subscribers on every progress change or log line.
type Event struct {
	Type     EventType `json:"type"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Log      *LogLine  `json:"log,omitempty"`
}

// Tracker holds the current run's progress and a bounded log buffer.
// It is safe for concurrent use; slow subscribers miss events instead of
// blocking publishers.
type Tracker struct {
	mu         sync.RWMutex
	clock      provider.Clock
	runID      string
	running    bool
	startedAt  time.Time
	finishedAt time.Time
	tokens     map[string]*TokenProgress
	logs       *ring[LogLine]

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// Options configures a Tracker.
type Options struct {
	Clock       provider.Clock
	LogCapacity int
}

// NewTracker creates an idle tracker.
func NewTracker(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = provider.SystemClock{}
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = DefaultLogCapacity
	}
	return &Tracker{
		clock:  opts.Clock,
		tokens: make(map[string]*TokenProgress),
		logs:   newRing[LogLine](opts.LogCapacity),
		subs:   make(map[int]chan Event),
	}
}

// StartRun resets progress for a new run over tokens.
func (t *Tracker) StartRun(runID string, tokens []domain.TrackedToken) {
	t.mu.Lock()
	t.runID = runID
	t.running = true
	t.startedAt = t.clock.Now()
	t.finishedAt = time.Time{}
	t.tokens = make(map[string]*TokenProgress, len(tokens))
	for _, tok := range tokens {
		t.tokens[tok.Address] = &TokenProgress{Token: tok.Address, Symbol: tok.Symbol, Phase: PhasePending}
	}
	t.mu.Unlock()

	t.publishProgress()
}

// Update applies fn to a token's progress and notifies subscribers.
// Unknown tokens are added.
func (t *Tracker) Update(token string, fn func(p *TokenProgress)) {
	t.mu.Lock()
	p, ok := t.tokens[token]
	if !ok {
		p = &TokenProgress{Token: token, Phase: PhasePending}
		t.tokens[token] = p
	}
	fn(p)
	t.mu.Unlock()

	t.publishProgress()
}

// FinishRun marks the run complete.
func (t *Tracker) FinishRun() {
	t.mu.Lock()
	t.running = false
	t.finishedAt = t.clock.Now()
	t.mu.Unlock()

	t.publishProgress()
}

// Snapshot returns a copy of the current state with elapsed time and ETA.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		RunID:      t.runID,
		Running:    t.running,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
		Tokens:     make([]TokenProgress, 0, len(t.tokens)),
	}

	var fractions float64
	for _, p := range t.tokens {
		s.Tokens = append(s.Tokens, *p)
		s.Transactions += p.Transactions
		s.Legs += p.Legs
		s.FeeLegs += p.FeeLegs
		s.Wallets += p.Wallets
		fractions += p.Fraction()
	}
	sort.Slice(s.Tokens, func(i, j int) bool {
		return s.Tokens[i].Token < s.Tokens[j].Token
	})

	if len(s.Tokens) > 0 {
		s.Progress = fractions / float64(len(s.Tokens))
	}

	if !t.startedAt.IsZero() {
		end := t.finishedAt
		if t.running || end.IsZero() {
			end = t.clock.Now()
		}
		s.ElapsedSeconds = end.Sub(t.startedAt).Seconds()
	}
	if t.running && s.Progress > 0 && s.Progress < 1 {
		s.ETASeconds = s.ElapsedSeconds * (1 - s.Progress) / s.Progress
	}
	return s
}

// Log appends a line to the buffer and notifies subscribers.
func (t *Tracker) Log(level, message string) {
	line := LogLine{Time: t.clock.Now(), Level: level, Message: message}

	t.mu.Lock()
	t.logs.push(line)
	t.mu.Unlock()

	t.publish(Event{Type: EventLog, Log: &line})
}

// Logs returns up to n most recent lines, oldest first. n <= 0 returns all.
func (t *Tracker) Logs(n int) []LogLine {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.logs.last(n)
}

// Subscribe registers an observer. The returned cancel func must be called
// to release it; the channel is closed on cancel.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	t.subMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of registered observers.
func (t *Tracker) Subscribers() int {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	return len(t.subs)
}

// Hook returns a zerolog hook copying every log message into the tracker.
func (t *Tracker) Hook() zerolog.Hook {
	return trackerHook{t: t}
}

type trackerHook struct {
	t *Tracker
}

func (h trackerHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level == zerolog.NoLevel || level == zerolog.Disabled || msg == "" {
		return
	}
	h.t.Log(level.String(), msg)
}

func (t *Tracker) publishProgress() {
	s := t.Snapshot()
	t.publish(Event{Type: EventProgress, Snapshot: &s})
}

func (t *Tracker) publish(ev Event) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
