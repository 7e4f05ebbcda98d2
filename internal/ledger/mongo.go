package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	bperrors "github.com/rcourtman/badpractice-agent/internal/errors"
	"github.com/rcourtman/badpractice-agent/internal/models"
)

const (
	mongoIssuesCollection   = "issues"
	mongoSessionsCollection = "scan_sessions"
	mongoFilesCollection    = "file_states"
	mongoConnectTimeout     = 10 * time.Second
	mongoMaxUpsertRounds    = 3
)

// MongoStore keeps the ledger in MongoDB, one document per fingerprint.
//
// Upsert is a sequence of single-document conditional writes: bump an open
// record, else reopen a resolved one, else insert. Each step is atomic on
// the server and a lost insert race falls back to the first step, so
// concurrent callers agree on exactly one IsNew.
type MongoStore struct {
	client   *mongo.Client
	issues   *mongo.Collection
	sessions *mongo.Collection
	files    *mongo.Collection
}

type issueDoc struct {
	Fingerprint string     `bson:"_id"`
	Path        string     `bson:"path"`
	Category    string     `bson:"category"`
	Description string     `bson:"description"`
	Suggestion  string     `bson:"suggestion"`
	Severity    string     `bson:"severity"`
	Status      string     `bson:"status"`
	FirstSeen   time.Time  `bson:"first_seen"`
	LastSeen    time.Time  `bson:"last_seen"`
	ResolvedAt  *time.Time `bson:"resolved_at,omitempty"`
	TimesSeen   int        `bson:"times_seen"`
	Regressions int        `bson:"regressions"`
}

func (d *issueDoc) record() *models.IssueRecord {
	rec := &models.IssueRecord{
		Finding: models.Finding{
			Path:        d.Path,
			Category:    models.Category(d.Category),
			Description: d.Description,
			Suggestion:  d.Suggestion,
			Severity:    d.Severity,
			Fingerprint: d.Fingerprint,
		},
		Status:      models.IssueStatus(d.Status),
		FirstSeen:   d.FirstSeen.UTC(),
		LastSeen:    d.LastSeen.UTC(),
		TimesSeen:   d.TimesSeen,
		Regressions: d.Regressions,
	}
	if d.ResolvedAt != nil {
		t := d.ResolvedAt.UTC()
		rec.ResolvedAt = &t
	}
	return rec
}

// NewMongoStore connects to uri and prepares the ledger collections in database.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, fmt.Errorf("mongo ledger uri is required")
	}
	if database == "" {
		database = "badpractice"
	}

	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, bperrors.WrapLedgerError("open", fmt.Errorf("connect mongo: %w", err))
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, bperrors.WrapLedgerError("open", fmt.Errorf("ping mongo: %w", err))
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		issues:   db.Collection(mongoIssuesCollection),
		sessions: db.Collection(mongoSessionsCollection),
		files:    db.Collection(mongoFilesCollection),
	}

	_, err = s.issues.Indexes().CreateMany(connectCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "path", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err == nil {
		_, err = s.sessions.Indexes().CreateOne(connectCtx, mongo.IndexModel{Keys: bson.D{{Key: "started_at", Value: -1}}})
	}
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, bperrors.WrapLedgerError("open", fmt.Errorf("create mongo indexes: %w", err))
	}
	return s, nil
}

func (s *MongoStore) Lookup(ctx context.Context, fingerprint string) (*models.IssueRecord, error) {
	var doc issueDoc
	err := s.issues.FindOne(ctx, bson.M{"_id": fingerprint}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, bperrors.WrapLedgerError("lookup", err)
	}
	return doc.record(), nil
}

func (s *MongoStore) Upsert(ctx context.Context, f models.Finding) (UpsertResult, error) {
	if err := validateFinding(f); err != nil {
		return UpsertResult{}, err
	}
	after := options.FindOneAndUpdate().SetReturnDocument(options.After)

	for round := 0; round < mongoMaxUpsertRounds; round++ {
		now := nowFn()

		var doc issueDoc
		err := s.issues.FindOneAndUpdate(ctx,
			bson.M{"_id": f.Fingerprint, "status": string(models.IssueOpen)},
			bson.M{
				"$set": bson.M{"last_seen": now, "suggestion": f.Suggestion, "severity": f.Severity},
				"$inc": bson.M{"times_seen": 1},
			},
			after,
		).Decode(&doc)
		if err == nil {
			return UpsertResult{Record: doc.record()}, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return UpsertResult{}, bperrors.WrapLedgerError("upsert", err)
		}

		err = s.issues.FindOneAndUpdate(ctx,
			bson.M{"_id": f.Fingerprint, "status": string(models.IssueResolved)},
			bson.M{
				"$set": bson.M{
					"status": string(models.IssueOpen), "first_seen": now, "last_seen": now,
					"suggestion": f.Suggestion, "severity": f.Severity,
				},
				"$unset": bson.M{"resolved_at": ""},
				"$inc":   bson.M{"times_seen": 1, "regressions": 1},
			},
			after,
		).Decode(&doc)
		if err == nil {
			return UpsertResult{IsNew: true, Regression: true, Record: doc.record()}, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return UpsertResult{}, bperrors.WrapLedgerError("upsert", err)
		}

		doc = issueDoc{
			Fingerprint: f.Fingerprint,
			Path:        f.Path,
			Category:    string(f.Category),
			Description: f.Description,
			Suggestion:  f.Suggestion,
			Severity:    f.Severity,
			Status:      string(models.IssueOpen),
			FirstSeen:   now,
			LastSeen:    now,
			TimesSeen:   1,
		}
		_, err = s.issues.InsertOne(ctx, doc)
		if err == nil {
			return UpsertResult{IsNew: true, Record: doc.record()}, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return UpsertResult{}, bperrors.WrapLedgerError("upsert", err)
		}
		// Another writer inserted the fingerprint first; retry as an update.
	}
	return UpsertResult{}, bperrors.WrapLedgerError("upsert", fmt.Errorf("fingerprint %s: too much contention", f.Fingerprint))
}

func (s *MongoStore) ResolveAllForPath(ctx context.Context, path string) (int, error) {
	return s.ResolveStale(ctx, path, nil)
}

func (s *MongoStore) ResolveStale(ctx context.Context, path string, keep []string) (int, error) {
	filter := bson.M{"path": path, "status": string(models.IssueOpen)}
	if len(keep) > 0 {
		filter["_id"] = bson.M{"$nin": keep}
	}
	res, err := s.issues.UpdateMany(ctx, filter, bson.M{
		"$set": bson.M{"status": string(models.IssueResolved), "resolved_at": nowFn()},
	})
	if err != nil {
		return 0, bperrors.WrapLedgerError("resolve", err)
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) ListOpen(ctx context.Context, path string) ([]models.IssueRecord, error) {
	filter := bson.M{"status": string(models.IssueOpen)}
	if path != "" {
		filter["path"] = path
	}
	cur, err := s.issues.Find(ctx, filter)
	if err != nil {
		return nil, bperrors.WrapLedgerError("list_open", err)
	}
	var docs []issueDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, bperrors.WrapLedgerError("list_open", err)
	}
	out := make([]models.IssueRecord, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].record())
	}
	sortRecords(out)
	return out, nil
}

func (s *MongoStore) OpenPaths(ctx context.Context) ([]string, error) {
	values, err := s.issues.Distinct(ctx, "path", bson.M{"status": string(models.IssueOpen)})
	if err != nil {
		return nil, bperrors.WrapLedgerError("open_paths", err)
	}
	paths := make([]string, 0, len(values))
	for _, v := range values {
		if p, ok := v.(string); ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *MongoStore) CountOpen(ctx context.Context) (int, error) {
	n, err := s.issues.CountDocuments(ctx, bson.M{"status": string(models.IssueOpen)})
	if err != nil {
		return 0, bperrors.WrapLedgerError("count_open", err)
	}
	return int(n), nil
}

type sessionDoc struct {
	ID        string         `bson:"_id"`
	StartedAt time.Time      `bson:"started_at"`
	Session   models.Session `bson:"session"`
}

func (s *MongoStore) RecordSession(ctx context.Context, sess models.Session) error {
	_, err := s.sessions.ReplaceOne(ctx,
		bson.M{"_id": sess.ID},
		sessionDoc{ID: sess.ID, StartedAt: sess.StartedAt, Session: sess},
		options.Replace().SetUpsert(true),
	)
	return bperrors.WrapLedgerError("record_session", err)
}

func (s *MongoStore) LastSession(ctx context.Context) (*models.Session, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.M{}, options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, bperrors.WrapLedgerError("last_session", err)
	}
	return &doc.Session, nil
}

type fileStateDoc struct {
	Path       string    `bson:"_id"`
	Epoch      string    `bson:"epoch"`
	AnalyzedAt time.Time `bson:"analyzed_at"`
}

func (s *MongoStore) FileState(ctx context.Context, path string) (*models.FileState, error) {
	var doc fileStateDoc
	err := s.files.FindOne(ctx, bson.M{"_id": path}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, bperrors.WrapLedgerError("file_state", err)
	}
	return &models.FileState{Path: doc.Path, Epoch: doc.Epoch, AnalyzedAt: doc.AnalyzedAt.UTC()}, nil
}

func (s *MongoStore) RecordFileState(ctx context.Context, st models.FileState) error {
	_, err := s.files.ReplaceOne(ctx,
		bson.M{"_id": st.Path},
		fileStateDoc{Path: st.Path, Epoch: st.Epoch, AnalyzedAt: st.AnalyzedAt},
		options.Replace().SetUpsert(true),
	)
	return bperrors.WrapLedgerError("record_file_state", err)
}

func (s *MongoStore) ForgetFileStates(ctx context.Context, path string) (int, error) {
	filter := bson.M{}
	if path != "" {
		filter = bson.M{"$or": bson.A{
			bson.M{"_id": path},
			bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(path+"/")}},
		}}
	}
	res, err := s.files.DeleteMany(ctx, filter)
	if err != nil {
		return 0, bperrors.WrapLedgerError("forget_file_states", err)
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
