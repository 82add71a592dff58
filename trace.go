package enforcer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trace identifies a single enforcement pass over a zone in the logs.
type Trace struct {
	Id    uuid.UUID
	Zone  string
	Start time.Time
}

func newTrace(zone string, now time.Time) *Trace {
	id, _ := uuid.NewV7()
	return &Trace{
		Id:    id,
		Zone:  zone,
		Start: now,
	}
}

func (t *Trace) ID() string {
	return t.Id.String()
}

// Pass tags a pass in log lines, which already carry the zone name. A v7 UUID starts with its
// timestamp, so the random tail is what tells two passes over a zone apart.
func (t *Trace) Pass() string {
	id := t.ID()
	return id[len(id)-8:]
}

func (t *Trace) debug(format string, args ...any) {
	Debug(t.prefix() + fmt.Sprintf(format, args...))
}

func (t *Trace) info(format string, args ...any) {
	Info(t.prefix() + fmt.Sprintf(format, args...))
}

func (t *Trace) warn(format string, args ...any) {
	Warn(t.prefix() + fmt.Sprintf(format, args...))
}

func (t *Trace) prefix() string {
	if t == nil {
		return ""
	}
	return fmt.Sprintf("[%s] pass %s: ", t.Zone, t.Pass())
}
