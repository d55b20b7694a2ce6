package audit

import (
	"context"
	"time"

	"sentra.dev/internal/ids"
	"sentra.dev/internal/obs"
)

var _ Recorder = (*Sink)(nil)

// Sink records events through a Store. Failures are swallowed after local
// logging; the drop counter is the only externally visible trace.
type Sink struct {
	store Store
	now   func() time.Time
}

func NewSink(store Store) *Sink {
	return &Sink{store: store, now: time.Now}
}

func (s *Sink) Record(ctx context.Context, ev Event) {
	rec := &Record{
		ID:           ids.New(),
		SubjectID:    ev.SubjectID,
		Type:         ev.Type,
		Target:       ev.Target,
		IP:           ev.Meta.IP,
		UserAgent:    ev.Meta.UserAgent,
		DeviceID:     ev.Meta.DeviceID,
		Metadata:     ev.Metadata,
		Success:      ev.Success,
		ErrorMessage: ev.ErrorMessage,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Append(ctx, rec); err != nil {
		obs.AuditDropsTotal.Inc()
		obs.Error("audit append failed", err, map[string]any{
			"event_type": string(ev.Type),
			"subject_id": ev.SubjectID,
		})
	}
}

// MemoryRecorder collects events in memory. Test helper.
type MemoryRecorder struct {
	Events []Event
}

func (m *MemoryRecorder) Record(_ context.Context, ev Event) {
	m.Events = append(m.Events, ev)
}

// Last returns the most recently recorded event, or a zero event.
func (m *MemoryRecorder) Last() Event {
	if len(m.Events) == 0 {
		return Event{}
	}
	return m.Events[len(m.Events)-1]
}
