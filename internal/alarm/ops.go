package alarm

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/microlink/mcs/internal/schema"
)

// Operator-facing errors. The HTTP layer maps these onto status codes.
var (
	ErrNotFound       = errors.New("alarm: no such instance")
	ErrReasonRequired = errors.New("alarm: shelve requires a reason")
)

// ListFilter narrows the List snapshot. Zero values match everything;
// MinPriority admits instances at that severity or above.
type ListFilter struct {
	Block       string
	State       State
	MinPriority *schema.Priority
}

func (f ListFilter) matches(inst *Instance) bool {
	if f.Block != "" && inst.Key.Block != f.Block {
		return false
	}
	if f.State != "" && inst.State != f.State {
		return false
	}
	if f.MinPriority != nil && f.MinPriority.MoreSevere(inst.Priority) {
		return false
	}
	return true
}

// List returns a snapshot of the open instances the filter admits, most
// recent raise first.
func (e *Engine) List(f ListFilter) []Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		if f.matches(inst) {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
	return out
}

// Acknowledge records an operator ack and returns the updated instance.
func (e *Engine) Acknowledge(ctx context.Context, alarmID, operator string) (Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst := e.byIDLocked(alarmID)
	if inst == nil {
		return Instance{}, ErrNotFound
	}
	now := e.now()
	prevBy, prevAt := inst.AckedBy, inst.AckedAt
	inst.AckedBy = operator
	inst.AckedAt = &now
	if err := e.commit(ctx, inst, EventAck, operator, ""); err != nil {
		inst.AckedBy, inst.AckedAt = prevBy, prevAt
		return Instance{}, err
	}
	return *inst, nil
}

// Shelve takes an instance out of the annunciated set for a bounded window
// and returns the updated instance. The reason is mandatory unless
// configuration says otherwise. A window outside (0, max] is clamped to the
// configured maximum; clamped reports that back so the caller can tell the
// operator.
func (e *Engine) Shelve(ctx context.Context, alarmID, operator, reason string, d time.Duration) (inst Instance, clamped bool, err error) {
	requireReason := e.cfg.ShelveRequireReason == nil || *e.cfg.ShelveRequireReason
	if requireReason && reason == "" {
		return Instance{}, false, ErrReasonRequired
	}
	maxShelve := time.Duration(e.cfg.ShelveMaxHours) * time.Hour
	if d <= 0 || d > maxShelve {
		d = maxShelve
		clamped = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.byIDLocked(alarmID)
	if cur == nil {
		return Instance{}, clamped, ErrNotFound
	}
	until := e.now().Add(d)
	cur.ShelvedBy = operator
	cur.ShelvedUntil = &until
	cur.ShelveReason = reason
	if err := e.commit(ctx, cur, EventShelve, operator, reason); err != nil {
		cur.ShelvedBy = ""
		cur.ShelvedUntil = nil
		cur.ShelveReason = ""
		return Instance{}, clamped, err
	}
	e.met.Shelved.Inc()
	return *cur, clamped, nil
}

// Unshelve returns an instance to CLEARED before its window expires. The
// next matching signal re-raises it through the normal path.
func (e *Engine) Unshelve(ctx context.Context, alarmID, operator string) (Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst := e.byIDLocked(alarmID)
	if inst == nil {
		return Instance{}, ErrNotFound
	}
	prevBy, prevUntil, prevReason := inst.ShelvedBy, inst.ShelvedUntil, inst.ShelveReason
	inst.ShelvedBy = ""
	inst.ShelvedUntil = nil
	inst.ShelveReason = ""
	if err := e.commit(ctx, inst, EventUnshelve, operator, ""); err != nil {
		inst.ShelvedBy, inst.ShelvedUntil, inst.ShelveReason = prevBy, prevUntil, prevReason
		return Instance{}, err
	}
	return *inst, nil
}

func (e *Engine) byIDLocked(alarmID string) *Instance {
	for _, inst := range e.instances {
		if inst.ID == alarmID {
			return inst
		}
	}
	return nil
}
