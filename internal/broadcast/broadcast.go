// Package broadcast fans server events out to sessions.
package broadcast

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/life-stream-dev/life-stream-audio-center/internal/connection"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/session"
)

var (
	ErrNoTargets     = errors.New("no sessions matched the event target")
	ErrInvalidTarget = errors.New("invalid event target")
)

// DeliveryReport records the outcome of one Publish. Targets is the snapshot
// taken at publish time.
type DeliveryReport struct {
	Target    packet.Target
	Targets   []string
	Delivered []string
	Failed    map[string]error
}

func (r *DeliveryReport) FailedIDs() []string {
	ids := slices.Collect(maps.Keys(r.Failed))
	slices.Sort(ids)
	return ids
}

func (r *DeliveryReport) String() string {
	return fmt.Sprintf("%s: %d/%d delivered, %d failed", r.Target, len(r.Delivered), len(r.Targets), len(r.Failed))
}

type Engine struct {
	registry *connection.Registry
}

func NewEngine(registry *connection.Registry) *Engine {
	return &Engine{registry: registry}
}

// Publish encodes event once and hands it to every target session
// independently. A failure for one member is recorded in the report and does
// not stop delivery to the rest. Sessions that are not Active are skipped and
// reported as failed.
func (e *Engine) Publish(event packet.Event) (*DeliveryReport, error) {
	f, err := event.Frame()
	if err != nil {
		return nil, err
	}

	targets, err := e.resolve(event.Target)
	if err != nil {
		return nil, err
	}

	report := &DeliveryReport{
		Target:    event.Target,
		Targets:   make([]string, 0, len(targets)),
		Delivered: make([]string, 0, len(targets)),
		Failed:    make(map[string]error),
	}
	for _, conn := range targets {
		id := conn.ID()
		report.Targets = append(report.Targets, id)
		if state := conn.Session().State(); state != session.Active {
			report.Failed[id] = fmt.Errorf("session is %s", state)
			continue
		}
		if err := conn.Send(f); err != nil {
			report.Failed[id] = err
			continue
		}
		report.Delivered = append(report.Delivered, id)
	}

	if len(report.Failed) > 0 {
		logger.WarnF("Publish %s to %s: %d failed %v", event.Subtype, event.Target, len(report.Failed), report.FailedIDs())
	} else {
		logger.DebugF("Publish %s to %s: %d delivered", event.Subtype, event.Target, len(report.Delivered))
	}
	if len(targets) == 0 {
		return report, ErrNoTargets
	}
	return report, nil
}

func (e *Engine) resolve(target packet.Target) ([]*connection.Connection, error) {
	switch target.Kind {
	case packet.TargetSession:
		conn, err := e.registry.Lookup(target.ID)
		if err != nil {
			if errors.Is(err, connection.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return []*connection.Connection{conn}, nil
	case packet.TargetGroup:
		if target.ID == "" {
			return nil, fmt.Errorf("%w: empty group", ErrInvalidTarget)
		}
		return e.registry.GroupSnapshot(target.ID), nil
	case packet.TargetAll:
		return e.registry.Snapshot(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, target)
	}
}
