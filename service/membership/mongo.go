package membership

import (
	"context"
	"time"

	"ChatRelay/global"
	"ChatRelay/logger"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	defaultMaxPoolSize = 100
	defaultMaxRetry    = 3
)

// Member is one row of the thread_members collection.
type Member struct {
	ThreadID string    `bson:"thread_id"`
	UserID   string    `bson:"user_id"`
	JoinTime time.Time `bson:"join_time"`
	Order    int64     `bson:"order"`
}

// Connect opens a client for c, retrying transient failures, and returns
// the members collection.
func Connect(ctx context.Context, c global.MongoConfig) (*mongo.Collection, error) {
	if c.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if c.Database == "" {
		return nil, errors.New("mongo database is required")
	}
	opts := options.Client().ApplyURI(c.URI).SetMaxPoolSize(defaultMaxPoolSize)

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < defaultMaxRetry; i++ {
		cli, err = connectMongo(ctx, opts)
		if err != nil && shouldRetry(ctx, err) {
			logger.Warn("mongo connect failed, retrying", zap.Int("attempt", i+1), zap.Error(err))
			time.Sleep(time.Second / 2)
			continue
		}
		break
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect mongo %s", c.Database)
	}
	return cli.Database(c.Database).Collection(c.Collection), nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

// shouldRetry is false once ctx is done and for auth failures.
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code != 13 && cmdErr.Code != 18
	}
	return true
}

// Mongo reads thread membership from a collection of Member documents.
type Mongo struct {
	coll *mongo.Collection
}

func NewMongo(coll *mongo.Collection) *Mongo {
	return &Mongo{coll: coll}
}

func (m *Mongo) IsParticipant(ctx context.Context, userID, threadID string) (bool, error) {
	err := m.coll.FindOne(ctx, bson.M{"thread_id": threadID, "user_id": userID},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "find member %s in %s", userID, threadID)
	}
	return true, nil
}

// ParticipantsOf lists members by order, then by join time.
func (m *Mongo) ParticipantsOf(ctx context.Context, threadID string) ([]string, error) {
	cur, err := m.coll.Find(ctx, bson.M{"thread_id": threadID},
		options.Find().
			SetSort(bson.D{{Key: "order", Value: 1}, {Key: "join_time", Value: 1}}).
			SetProjection(bson.M{"user_id": 1}))
	if err != nil {
		return nil, errors.Wrapf(err, "find members of %s", threadID)
	}
	var rows []Member
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errors.Wrapf(err, "decode members of %s", threadID)
	}
	users := make([]string, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.UserID)
	}
	return users, nil
}

// Join upserts a member. An existing member keeps its original join time.
func (m *Mongo) Join(ctx context.Context, threadID, userID string, order int64) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"thread_id": threadID, "user_id": userID},
		bson.M{
			"$set":         bson.M{"order": order},
			"$setOnInsert": bson.M{"join_time": time.Now().UTC()},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return errors.Wrapf(err, "join %s to %s", userID, threadID)
	}
	return nil
}

// EnsureIndexes creates the unique (thread_id, user_id) index.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("thread_user"),
	})
	return errors.Wrap(err, "create member index")
}
