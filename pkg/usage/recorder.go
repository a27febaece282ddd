// Package usage records per-call token consumption and cost. Rates are
// per million tokens; credits are a provider-neutral unit derived from
// cost at a fixed exchange rate.
package usage

import (
	"log/slog"
	"sync"

	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/models"
)

// Rate is the price of one model, USD per million tokens.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// creditsPerUSD converts dollar cost into billing credits.
const creditsPerUSD = 100.0

// DefaultTable covers the models the engine ships with. Unknown models
// record zero cost and log a warning rather than failing the call.
func DefaultTable() map[string]Rate {
	return map[string]Rate{
		"gpt-4o":            {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"claude-sonnet-4-5": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
		"claude-haiku-4-5":  {InputPerMTok: 1.00, OutputPerMTok: 5.00},
		"gemini-2.5-flash":  {InputPerMTok: 0.30, OutputPerMTok: 2.50},
	}
}

// Recorder accumulates usage per execution and publishes usage.recorded
// events. Safe for concurrent use.
type Recorder struct {
	bus   *events.Bus
	rates map[string]Rate

	mu       sync.Mutex
	byExec   map[string]models.TokenUsage
	costExec map[string]float64
	warned   map[string]bool
}

// NewRecorder creates a recorder with the given pricing table. A nil
// table falls back to DefaultTable.
func NewRecorder(bus *events.Bus, rates map[string]Rate) *Recorder {
	if rates == nil {
		rates = DefaultTable()
	}
	return &Recorder{
		bus:      bus,
		rates:    rates,
		byExec:   make(map[string]models.TokenUsage),
		costExec: make(map[string]float64),
		warned:   make(map[string]bool),
	}
}

// Record accounts one model call and publishes a usage.recorded event.
// Returns the cost of this call in USD.
func (r *Recorder) Record(executionID, userID, agentID, model string, usage models.TokenUsage) float64 {
	cost := r.cost(model, usage)

	r.mu.Lock()
	total := r.byExec[executionID]
	total.Add(usage)
	r.byExec[executionID] = total
	r.costExec[executionID] += cost
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.NewUsageRecorded(executionID, userID, agentID, model, usage, cost, cost*creditsPerUSD))
	}
	return cost
}

// Totals returns the accumulated usage and cost for an execution.
func (r *Recorder) Totals(executionID string) (models.TokenUsage, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byExec[executionID], r.costExec[executionID]
}

// Forget drops the accumulator for a finished execution.
func (r *Recorder) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byExec, executionID)
	delete(r.costExec, executionID)
}

func (r *Recorder) cost(model string, usage models.TokenUsage) float64 {
	rate, ok := r.rates[model]
	if !ok {
		r.mu.Lock()
		first := !r.warned[model]
		r.warned[model] = true
		r.mu.Unlock()
		if first {
			slog.Warn("No pricing for model, recording zero cost", "model", model)
		}
		return 0
	}
	return float64(usage.InputTokens)/1e6*rate.InputPerMTok +
		float64(usage.OutputTokens)/1e6*rate.OutputPerMTok
}
