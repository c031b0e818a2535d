package mongodb

import (
	"time"

	"github.com/DEEJ4Y/jobscheduler"
	"github.com/DEEJ4Y/jobscheduler/calendar"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// keyID is the _id of job and trigger documents. Field order is fixed so equality
// matches on the whole document work.
type keyID struct {
	Group string `bson:"group"`
	Name  string `bson:"name"`
}

func idOf(key scheduler.Key) keyID {
	return keyID{Group: key.Group, Name: key.Name}
}

func (id keyID) key() scheduler.Key {
	return scheduler.Key{Name: id.Name, Group: id.Group}
}

type jobDocument struct {
	ID     keyID                `bson:"_id"`
	Detail *scheduler.JobDetail `bson:"detail"`
}

// triggerDocument keeps the queried fields at the top level and the full trigger,
// encoded from its concrete type, under Trigger.
type triggerDocument struct {
	ID           keyID                  `bson:"_id"`
	JobID        keyID                  `bson:"job"`
	Kind         scheduler.TriggerKind  `bson:"kind"`
	State        scheduler.TriggerState `bson:"state"`
	ErrorMessage string                 `bson:"errorMessage,omitempty"`
	CalendarName string                 `bson:"calendarName,omitempty"`
	NextFireTime *time.Time             `bson:"nextFireTime"`
	Priority     int                    `bson:"priority"`
	Trigger      bson.Raw               `bson:"trigger"`
}

func encodeTrigger(t scheduler.Trigger) (bson.Raw, error) {
	raw, err := bson.Marshal(t)
	if err != nil {
		return nil, errors.Wrapf(err, "encode trigger %s", t.Key())
	}
	return raw, nil
}

func decodeTrigger(kind scheduler.TriggerKind, raw bson.Raw) (scheduler.Trigger, error) {
	t := scheduler.NewTriggerOfKind(kind)
	if t == nil {
		return nil, errors.Newf("unknown trigger kind %q", kind)
	}
	if err := bson.Unmarshal(raw, t); err != nil {
		return nil, errors.Wrapf(err, "decode %s trigger", kind)
	}
	return t, nil
}

func newTriggerDocument(rec *scheduler.TriggerRecord) (*triggerDocument, error) {
	raw, err := encodeTrigger(rec.Trigger)
	if err != nil {
		return nil, err
	}
	base := rec.Trigger.Base()
	return &triggerDocument{
		ID:           idOf(rec.Trigger.Key()),
		JobID:        idOf(rec.Trigger.JobKey()),
		Kind:         rec.Trigger.Kind(),
		State:        rec.State,
		ErrorMessage: rec.ErrorMessage,
		CalendarName: base.CalendarName,
		NextFireTime: rec.Trigger.NextFireTime(),
		Priority:     base.Priority,
		Trigger:      raw,
	}, nil
}

func (d *triggerDocument) record() (*scheduler.TriggerRecord, error) {
	t, err := decodeTrigger(d.Kind, d.Trigger)
	if err != nil {
		return nil, err
	}
	return &scheduler.TriggerRecord{Trigger: t, State: d.State, ErrorMessage: d.ErrorMessage}, nil
}

type calendarDocument struct {
	Name string         `bson:"_id"`
	Spec *calendar.Spec `bson:"spec"`
}

// pausedGroupDocument marks a paused group. Kind is "trigger" or "job".
type pausedGroupDocument struct {
	ID pausedID `bson:"_id"`
}

type pausedID struct {
	Kind  string `bson:"kind"`
	Group string `bson:"group"`
}

const (
	pausedTrigger = "trigger"
	pausedJob     = "job"
)

type firedDocument struct {
	ID                            string                 `bson:"_id"`
	InstanceID                    string                 `bson:"instanceId"`
	FireTime                      time.Time              `bson:"fireTime"`
	ScheduledFireTime             time.Time              `bson:"scheduledFireTime"`
	PreviousFireTime              *time.Time             `bson:"previousFireTime,omitempty"`
	NextFireTime                  *time.Time             `bson:"nextFireTime,omitempty"`
	State                         scheduler.TriggerState `bson:"state"`
	JobID                         keyID                  `bson:"job"`
	ConcurrentExecutionDisallowed bool                   `bson:"concurrentExecutionDisallowed"`
	RequestsRecovery              bool                   `bson:"requestsRecovery"`
	Kind                          scheduler.TriggerKind  `bson:"kind,omitempty"`
	Trigger                       bson.Raw               `bson:"trigger,omitempty"`
}

func newFiredDocument(f *scheduler.FiredTrigger) (*firedDocument, error) {
	doc := &firedDocument{
		ID:                            f.FireInstanceID,
		InstanceID:                    f.InstanceID,
		FireTime:                      f.FireTime,
		ScheduledFireTime:             f.ScheduledFireTime,
		PreviousFireTime:              f.PreviousFireTime,
		NextFireTime:                  f.NextFireTime,
		State:                         f.State,
		JobID:                         idOf(f.JobKey),
		ConcurrentExecutionDisallowed: f.ConcurrentExecutionDisallowed,
		RequestsRecovery:              f.RequestsRecovery,
	}
	if f.Trigger != nil {
		raw, err := encodeTrigger(f.Trigger)
		if err != nil {
			return nil, err
		}
		doc.Kind = f.Trigger.Kind()
		doc.Trigger = raw
	}
	return doc, nil
}

func (d *firedDocument) fired() (*scheduler.FiredTrigger, error) {
	f := &scheduler.FiredTrigger{
		FireInstanceID:                d.ID,
		InstanceID:                    d.InstanceID,
		FireTime:                      d.FireTime,
		ScheduledFireTime:             d.ScheduledFireTime,
		PreviousFireTime:              d.PreviousFireTime,
		NextFireTime:                  d.NextFireTime,
		State:                         d.State,
		JobKey:                        d.JobID.key(),
		ConcurrentExecutionDisallowed: d.ConcurrentExecutionDisallowed,
		RequestsRecovery:              d.RequestsRecovery,
	}
	if len(d.Trigger) > 0 {
		t, err := decodeTrigger(d.Kind, d.Trigger)
		if err != nil {
			return nil, err
		}
		f.Trigger = t
	}
	return f, nil
}
