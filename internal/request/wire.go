package request

import (
	"log/slog"
	"time"

	"github.com/roosthq/roost/internal/deepcopy"
)

// Wire is the serializable form of a request used when a call hops to
// another cage. The deadline travels as remaining seconds because absolute
// monotonic times do not cross process boundaries.
type Wire struct {
	UniqueID    string         `json:"unique_id"`
	Interface   string         `json:"interface"`
	Protocol    string         `json:"protocol"`
	Description string         `json:"description"`
	Deadline    float64        `json:"deadline"` // remaining seconds
	Parameters  map[string]any `json:"parameters"`
	LogLevels   []int          `json:"log_levels"`
}

// ToWire captures the request for transmission.
func (c *Context) ToWire() Wire {
	c.mu.Lock()
	defer c.mu.Unlock()
	levels := make([]int, len(c.levels))
	for i, l := range c.levels {
		levels[i] = int(l)
	}
	return Wire{
		UniqueID:    c.uniqueID,
		Interface:   c.iface,
		Protocol:    c.protocol,
		Description: c.description,
		Deadline:    time.Until(c.deadline).Seconds(),
		Parameters:  deepcopy.Map(c.parameters),
		LogLevels:   levels,
	}
}

// FromWire reconstructs a request received from another cage. The incoming
// deadline is clamped to now+override when the receiving cage imposes its
// own shorter request timeout; pass a large override to honor the sender's
// deadline as-is.
func FromWire(w Wire, override time.Duration) *Context {
	remaining := time.Duration(w.Deadline * float64(time.Second))
	if remaining < 0 {
		remaining = 0
	}
	if override < remaining {
		remaining = override
	}
	params := w.Parameters
	if params == nil {
		params = make(map[string]any)
	}
	levels := make([]slog.Level, len(w.LogLevels))
	for i, l := range w.LogLevels {
		levels[i] = slog.Level(l)
	}
	return &Context{
		uniqueID:    w.UniqueID,
		iface:       w.Interface,
		protocol:    w.Protocol,
		description: w.Description,
		deadline:    time.Now().Add(remaining),
		parameters:  params,
		levels:      levels,
	}
}
