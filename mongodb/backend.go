// Package mongodb stores scheduling data in MongoDB so that several scheduler
// instances can share one job store.
package mongodb

import (
	"context"
	"sort"

	"github.com/DEEJ4Y/jobscheduler"
	"github.com/DEEJ4Y/jobscheduler/calendar"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Config holds the configuration for the MongoDB backend and locker.
type Config struct {
	// Database holds the scheduler's collections.
	// Required.
	Database *mongo.Database

	// CollectionPrefix is prepended to every collection name (default: "qrtz_").
	CollectionPrefix string

	// Logger receives index and lock diagnostics (default: no-op).
	Logger *zap.Logger
}

func (c *Config) setDefaults() error {
	if c.Database == nil {
		return errors.New("database is required")
	}
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "qrtz_"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Backend implements scheduler.Backend on MongoDB collections.
type Backend struct {
	jobs      *mongo.Collection
	triggers  *mongo.Collection
	calendars *mongo.Collection
	paused    *mongo.Collection
	fired     *mongo.Collection
	logger    *zap.Logger
}

var _ scheduler.Backend = (*Backend)(nil)

// NewBackend creates a Backend and ensures the indexes it queries by.
func NewBackend(ctx context.Context, config Config) (*Backend, error) {
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	db, prefix := config.Database, config.CollectionPrefix
	b := &Backend{
		jobs:      db.Collection(prefix + "jobs"),
		triggers:  db.Collection(prefix + "triggers"),
		calendars: db.Collection(prefix + "calendars"),
		paused:    db.Collection(prefix + "paused_groups"),
		fired:     db.Collection(prefix + "fired_triggers"),
		logger:    config.Logger.Named("mongodb"),
	}
	if err := b.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// ensureIndexes creates the indexes the queries use. Lookups by job match the whole
// embedded key, so the job field is indexed as one value.
func (b *Backend) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		b.triggers: {
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "nextFireTime", Value: 1}, {Key: "priority", Value: -1}}},
			{Keys: bson.D{{Key: "job", Value: 1}}},
			{Keys: bson.D{{Key: "calendarName", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		b.fired: {
			{Keys: bson.D{{Key: "instanceId", Value: 1}}},
			{Keys: bson.D{{Key: "job", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		names, err := coll.Indexes().CreateMany(ctx, models)
		if err != nil {
			return errors.Wrapf(err, "create indexes on %s", coll.Name())
		}
		b.logger.Debug("indexes ensured", zap.String("collection", coll.Name()), zap.Strings("indexes", names))
	}
	return nil
}

func (b *Backend) PutJob(ctx context.Context, job *scheduler.JobDetail) error {
	doc := jobDocument{ID: idOf(job.Key), Detail: job}
	_, err := b.jobs.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "put job %s", job.Key)
}

func (b *Backend) Job(ctx context.Context, key scheduler.Key) (*scheduler.JobDetail, error) {
	var doc jobDocument
	err := b.jobs.FindOne(ctx, bson.M{"_id": idOf(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find job %s", key)
	}
	if doc.Detail.DataMap == nil {
		doc.Detail.DataMap = scheduler.JobDataMap{}
	}
	return doc.Detail, nil
}

func (b *Backend) DeleteJob(ctx context.Context, key scheduler.Key) (bool, error) {
	res, err := b.jobs.DeleteOne(ctx, bson.M{"_id": idOf(key)})
	if err != nil {
		return false, errors.Wrapf(err, "delete job %s", key)
	}
	return res.DeletedCount > 0, nil
}

func (b *Backend) JobKeys(ctx context.Context) ([]scheduler.Key, error) {
	return distinctKeys(ctx, b.jobs)
}

func (b *Backend) PutTrigger(ctx context.Context, rec *scheduler.TriggerRecord, from ...scheduler.TriggerState) (bool, error) {
	doc, err := newTriggerDocument(rec)
	if err != nil {
		return false, err
	}
	filter := bson.M{"_id": doc.ID}
	opts := options.Replace()
	if len(from) > 0 {
		filter["state"] = bson.M{"$in": from}
	} else {
		opts.SetUpsert(true)
	}
	res, err := b.triggers.ReplaceOne(ctx, filter, doc, opts)
	if err != nil {
		return false, errors.Wrapf(err, "put trigger %s", rec.Trigger.Key())
	}
	return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
}

func (b *Backend) Trigger(ctx context.Context, key scheduler.Key) (*scheduler.TriggerRecord, error) {
	var doc triggerDocument
	err := b.triggers.FindOne(ctx, bson.M{"_id": idOf(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find trigger %s", key)
	}
	return doc.record()
}

func (b *Backend) DeleteTrigger(ctx context.Context, key scheduler.Key) (bool, error) {
	res, err := b.triggers.DeleteOne(ctx, bson.M{"_id": idOf(key)})
	if err != nil {
		return false, errors.Wrapf(err, "delete trigger %s", key)
	}
	return res.DeletedCount > 0, nil
}

func (b *Backend) TriggerKeys(ctx context.Context) ([]scheduler.Key, error) {
	return distinctKeys(ctx, b.triggers)
}

func (b *Backend) TriggersForJob(ctx context.Context, jobKey scheduler.Key) ([]*scheduler.TriggerRecord, error) {
	return b.findTriggers(ctx, bson.M{"job": idOf(jobKey)}, keyOrder())
}

func (b *Backend) TriggersForCalendar(ctx context.Context, name string) ([]*scheduler.TriggerRecord, error) {
	return b.findTriggers(ctx, bson.M{"calendarName": name}, keyOrder())
}

func (b *Backend) TriggersInState(ctx context.Context, states ...scheduler.TriggerState) ([]*scheduler.TriggerRecord, error) {
	return b.findTriggers(ctx, bson.M{"state": bson.M{"$in": states}}, keyOrder())
}

func (b *Backend) FindTriggers(ctx context.Context, q scheduler.TriggerQuery) ([]*scheduler.TriggerRecord, error) {
	next := bson.M{"$ne": nil}
	if q.NextFireFrom != nil {
		next["$gte"] = *q.NextFireFrom
	}
	if q.NextFireUntil != nil {
		next["$lte"] = *q.NextFireUntil
	}
	if q.NextFireBefore != nil {
		next["$lt"] = *q.NextFireBefore
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "nextFireTime", Value: 1},
		{Key: "priority", Value: -1},
		{Key: "_id.group", Value: 1},
		{Key: "_id.name", Value: 1},
	})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return b.findTriggers(ctx, bson.M{"state": q.State, "nextFireTime": next}, opts)
}

func (b *Backend) findTriggers(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*scheduler.TriggerRecord, error) {
	cur, err := b.triggers.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find triggers")
	}
	var docs []triggerDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode triggers")
	}
	out := make([]*scheduler.TriggerRecord, 0, len(docs))
	for i := range docs {
		rec, err := docs[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *Backend) UpdateTriggerState(ctx context.Context, key scheduler.Key, state scheduler.TriggerState, errMsg string, from ...scheduler.TriggerState) (bool, error) {
	filter := bson.M{"_id": idOf(key)}
	if len(from) > 0 {
		filter["state"] = bson.M{"$in": from}
	}
	res, err := b.triggers.UpdateOne(ctx, filter, stateUpdate(state, errMsg))
	if err != nil {
		return false, errors.Wrapf(err, "update trigger %s state", key)
	}
	return res.MatchedCount > 0, nil
}

func (b *Backend) UpdateJobTriggersState(ctx context.Context, jobKey scheduler.Key, state scheduler.TriggerState, errMsg string, from ...scheduler.TriggerState) (int, error) {
	filter := bson.M{"job": idOf(jobKey)}
	if len(from) > 0 {
		filter["state"] = bson.M{"$in": from}
	}
	res, err := b.triggers.UpdateMany(ctx, filter, stateUpdate(state, errMsg))
	if err != nil {
		return 0, errors.Wrapf(err, "update triggers of job %s", jobKey)
	}
	return int(res.MatchedCount), nil
}

func stateUpdate(state scheduler.TriggerState, errMsg string) bson.M {
	if errMsg == "" {
		return bson.M{"$set": bson.M{"state": state}, "$unset": bson.M{"errorMessage": ""}}
	}
	return bson.M{"$set": bson.M{"state": state, "errorMessage": errMsg}}
}

func (b *Backend) PutCalendar(ctx context.Context, name string, cal scheduler.Calendar) error {
	spec, err := calendar.Describe(cal)
	if err != nil {
		return errors.Wrapf(err, "put calendar %s", name)
	}
	doc := calendarDocument{Name: name, Spec: spec}
	_, err = b.calendars.ReplaceOne(ctx, bson.M{"_id": name}, doc, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "put calendar %s", name)
}

func (b *Backend) Calendar(ctx context.Context, name string) (scheduler.Calendar, error) {
	var doc calendarDocument
	err := b.calendars.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find calendar %s", name)
	}
	cal, err := doc.Spec.Build()
	if err != nil {
		return nil, errors.Wrapf(err, "build calendar %s", name)
	}
	return cal, nil
}

func (b *Backend) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	res, err := b.calendars.DeleteOne(ctx, bson.M{"_id": name})
	if err != nil {
		return false, errors.Wrapf(err, "delete calendar %s", name)
	}
	return res.DeletedCount > 0, nil
}

func (b *Backend) CalendarNames(ctx context.Context) ([]string, error) {
	values, err := b.calendars.Distinct(ctx, "_id", bson.M{})
	if err != nil {
		return nil, errors.Wrap(err, "list calendars")
	}
	names := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) AddPausedTriggerGroup(ctx context.Context, group string) error {
	return b.addPaused(ctx, pausedTrigger, group)
}

func (b *Backend) RemovePausedTriggerGroup(ctx context.Context, group string) error {
	return b.removePaused(ctx, pausedTrigger, group)
}

func (b *Backend) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	return b.pausedGroups(ctx, pausedTrigger)
}

func (b *Backend) IsTriggerGroupPaused(ctx context.Context, group string) (bool, error) {
	return b.isPaused(ctx, pausedTrigger, group)
}

func (b *Backend) AddPausedJobGroup(ctx context.Context, group string) error {
	return b.addPaused(ctx, pausedJob, group)
}

func (b *Backend) RemovePausedJobGroup(ctx context.Context, group string) error {
	return b.removePaused(ctx, pausedJob, group)
}

func (b *Backend) PausedJobGroups(ctx context.Context) ([]string, error) {
	return b.pausedGroups(ctx, pausedJob)
}

func (b *Backend) IsJobGroupPaused(ctx context.Context, group string) (bool, error) {
	return b.isPaused(ctx, pausedJob, group)
}

func (b *Backend) addPaused(ctx context.Context, kind, group string) error {
	doc := pausedGroupDocument{ID: pausedID{Kind: kind, Group: group}}
	_, err := b.paused.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "pause %s group %s", kind, group)
}

func (b *Backend) removePaused(ctx context.Context, kind, group string) error {
	_, err := b.paused.DeleteOne(ctx, bson.M{"_id": pausedID{Kind: kind, Group: group}})
	return errors.Wrapf(err, "resume %s group %s", kind, group)
}

func (b *Backend) pausedGroups(ctx context.Context, kind string) ([]string, error) {
	cur, err := b.paused.Find(ctx, bson.M{"_id.kind": kind})
	if err != nil {
		return nil, errors.Wrapf(err, "list paused %s groups", kind)
	}
	var docs []pausedGroupDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrapf(err, "decode paused %s groups", kind)
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID.Group)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) isPaused(ctx context.Context, kind, group string) (bool, error) {
	n, err := b.paused.CountDocuments(ctx, bson.M{"_id": pausedID{Kind: kind, Group: group}})
	if err != nil {
		return false, errors.Wrapf(err, "check paused %s group %s", kind, group)
	}
	return n > 0, nil
}

func (b *Backend) InsertFiredTrigger(ctx context.Context, fired *scheduler.FiredTrigger) error {
	doc, err := newFiredDocument(fired)
	if err != nil {
		return err
	}
	_, err = b.fired.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return errors.Mark(errors.Wrapf(err, "fired trigger %s", fired.FireInstanceID), scheduler.ErrObjectAlreadyExists)
	}
	return errors.Wrapf(err, "insert fired trigger %s", fired.FireInstanceID)
}

func (b *Backend) DeleteFiredTrigger(ctx context.Context, fireInstanceID string) (bool, error) {
	res, err := b.fired.DeleteOne(ctx, bson.M{"_id": fireInstanceID})
	if err != nil {
		return false, errors.Wrapf(err, "delete fired trigger %s", fireInstanceID)
	}
	return res.DeletedCount > 0, nil
}

func (b *Backend) FiredTriggersForJob(ctx context.Context, jobKey scheduler.Key) ([]*scheduler.FiredTrigger, error) {
	return b.findFired(ctx, bson.M{"job": idOf(jobKey)})
}

func (b *Backend) FiredTriggersForInstance(ctx context.Context, instanceID string) ([]*scheduler.FiredTrigger, error) {
	return b.findFired(ctx, bson.M{"instanceId": instanceID})
}

func (b *Backend) findFired(ctx context.Context, filter bson.M) ([]*scheduler.FiredTrigger, error) {
	cur, err := b.fired.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find fired triggers")
	}
	var docs []firedDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode fired triggers")
	}
	out := make([]*scheduler.FiredTrigger, 0, len(docs))
	for i := range docs {
		f, err := docs[i].fired()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Clear removes every document from the scheduler's collections. Locks are kept.
func (b *Backend) Clear(ctx context.Context) error {
	for _, coll := range []*mongo.Collection{b.fired, b.triggers, b.jobs, b.calendars, b.paused} {
		if _, err := coll.DeleteMany(ctx, bson.M{}); err != nil {
			return errors.Wrapf(err, "clear %s", coll.Name())
		}
	}
	return nil
}

func keyOrder() *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: "_id.group", Value: 1}, {Key: "_id.name", Value: 1}})
}

func distinctKeys(ctx context.Context, coll *mongo.Collection) ([]scheduler.Key, error) {
	cur, err := coll.Find(ctx, bson.M{}, keyOrder().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s keys", coll.Name())
	}
	var docs []struct {
		ID keyID `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrapf(err, "decode %s keys", coll.Name())
	}
	keys := make([]scheduler.Key, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, d.ID.key())
	}
	return keys, nil
}
