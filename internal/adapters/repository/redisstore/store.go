// Package redisstore implements the score and PB stores on Redis.
//
// Layout, all keys under the configured prefix:
//
//	pb:{chart}:{user}      hash  doc (JSON without ranks), rank, out_of
//	chart:{chart}          set   user IDs with a PB on the chart
//	charts                 set   chart IDs with at least one PB
//	scores:{user}:{chart}  hash  score ID -> raw score JSON
//	score_ids              set   every stored score ID
//
// Every {id} segment is written as len:id, so IDs that contain ':' cannot
// collide with another pair.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/pbengine/internal/adapters/repository"
	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/pkg/metrics"
)

// Driver names this backend.
const Driver = "redis"

const (
	fieldDoc   = "doc"
	fieldRank  = "rank"
	fieldOutOf = "out_of"
)

// updateRank writes rank fields only when the document exists.
var updateRank = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'doc') == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'rank', ARGV[1], 'out_of', ARGV[2])
return 1
`)

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// Store is a repository.Store backed by Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ repository.Store = (*Store)(nil)

// Open connects to addr and verifies the connection.
func Open(ctx context.Context, addr string, db int, opts ...Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, repository.Unavailable("redis ping", err)
	}
	return New(rdb, opts...), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: "pbengine:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Driver implements repository.Store.
func (s *Store) Driver() string { return Driver }

// Close closes the client.
func (s *Store) Close() error { return s.rdb.Close() }

// keyPart length-prefixes an ID for use inside a key.
func keyPart(id string) string {
	return strconv.Itoa(len(id)) + ":" + id
}

func (s *Store) pbKey(chartID, userID string) string {
	return s.prefix + "pb:" + keyPart(chartID) + ":" + keyPart(userID)
}

func (s *Store) chartKey(chartID string) string { return s.prefix + "chart:" + keyPart(chartID) }
func (s *Store) chartsKey() string              { return s.prefix + "charts" }
func (s *Store) scoreIDsKey() string            { return s.prefix + "score_ids" }

func (s *Store) scoresKey(userID, chartID string) string {
	return s.prefix + "scores:" + keyPart(userID) + ":" + keyPart(chartID)
}

// AddScores implements repository.ScoreWriter. Known score IDs are ignored.
func (s *Store) AddScores(ctx context.Context, scores ...model.RawScore) error {
	defer observe("add_scores", time.Now())
	if len(scores) == 0 {
		return nil
	}
	payloads := make([][]byte, len(scores))
	for i, sc := range scores {
		if sc.ScoreID == "" {
			return repository.ErrConstraint
		}
		if err := repository.ValidateIdentity(sc.ChartID, sc.UserID); err != nil {
			return err
		}
		b, err := json.Marshal(sc)
		if err != nil {
			return fmt.Errorf("encode score %s: %w", sc.ScoreID, err)
		}
		payloads[i] = b
	}
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, sc := range scores {
			p.HSetNX(ctx, s.scoresKey(sc.UserID, sc.ChartID), sc.ScoreID, payloads[i])
			p.SAdd(ctx, s.scoreIDsKey(), sc.ScoreID)
		}
		return nil
	})
	return classify("add scores", err)
}

// ReadScores implements repository.ScoreStore.
func (s *Store) ReadScores(ctx context.Context, userID, chartID string) ([]model.RawScore, error) {
	defer observe("read_scores", time.Now())
	vals, err := s.rdb.HVals(ctx, s.scoresKey(userID, chartID)).Result()
	if err != nil {
		return nil, classify("read scores", err)
	}
	out := make([]model.RawScore, 0, len(vals))
	for _, v := range vals {
		var sc model.RawScore
		if err := json.Unmarshal([]byte(v), &sc); err != nil {
			return nil, fmt.Errorf("decode score: %w", err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// BulkUpsert implements repository.PBStore. All documents go out in one
// pipeline; Redis executes each command on its own, so a rejected command
// only fails its document. Chart membership is added afterwards for the
// documents that were written. Rank fields are not part of the write.
func (s *Store) BulkUpsert(ctx context.Context, docs []model.PBDocument) (repository.BulkResult, error) {
	defer observe("bulk_upsert", time.Now())

	var res repository.BulkResult
	type pending struct {
		doc  model.PBDocument
		body []byte
		cmd  *redis.IntCmd
	}
	queued := make([]pending, 0, len(docs))
	for _, d := range docs {
		body, err := encodePB(d)
		if err != nil {
			res.Failed = append(res.Failed, repository.ItemFailure{ChartID: d.ChartID, UserID: d.UserID, Err: err})
			continue
		}
		queued = append(queued, pending{doc: d, body: body})
	}
	if len(queued) == 0 {
		return res, nil
	}

	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i := range queued {
			d := queued[i].doc
			queued[i].cmd = p.HSet(ctx, s.pbKey(d.ChartID, d.UserID), fieldDoc, queued[i].body)
		}
		return nil
	})
	if err != nil && !isReplyError(err) {
		return res, classify("bulk upsert", err)
	}

	written := make([]model.PBDocument, 0, len(queued))
	for _, q := range queued {
		if cerr := q.cmd.Err(); cerr != nil {
			res.Failed = append(res.Failed, repository.ItemFailure{ChartID: q.doc.ChartID, UserID: q.doc.UserID, Err: classify("upsert pb", cerr)})
			continue
		}
		written = append(written, q.doc)
	}
	if len(written) == 0 {
		return res, nil
	}

	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, d := range written {
			p.SAdd(ctx, s.chartKey(d.ChartID), d.UserID)
			p.SAdd(ctx, s.chartsKey(), d.ChartID)
		}
		return nil
	})
	if err != nil {
		return res, classify("bulk upsert index", err)
	}
	res.Upserted = len(written)
	return res, nil
}

// ListChart implements repository.PBStore. Documents are ordered by user ID.
func (s *Store) ListChart(ctx context.Context, chartID string) ([]model.PBDocument, error) {
	defer observe("list_chart", time.Now())
	users, err := s.rdb.SMembers(ctx, s.chartKey(chartID)).Result()
	if err != nil {
		return nil, classify("list chart", err)
	}
	sort.Strings(users)

	cmds := make([]*redis.MapStringStringCmd, len(users))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, u := range users {
			cmds[i] = p.HGetAll(ctx, s.pbKey(chartID, u))
		}
		return nil
	})
	if err != nil {
		return nil, classify("list chart", err)
	}

	out := make([]model.PBDocument, 0, len(users))
	for _, cmd := range cmds {
		d, ok, err := decodePB(cmd.Val())
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// UpdateRank implements repository.PBStore.
func (s *Store) UpdateRank(ctx context.Context, chartID, userID string, rank, outOf int) error {
	defer observe("update_rank", time.Now())
	n, err := updateRank.Run(ctx, s.rdb, []string{s.pbKey(chartID, userID)}, rank, outOf).Int()
	if err != nil {
		return classify("update rank", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Get implements repository.PBStore.
func (s *Store) Get(ctx context.Context, chartID, userID string) (model.PBDocument, error) {
	defer observe("get", time.Now())
	fields, err := s.rdb.HGetAll(ctx, s.pbKey(chartID, userID)).Result()
	if err != nil {
		return model.PBDocument{}, classify("get pb", err)
	}
	d, ok, err := decodePB(fields)
	if err != nil {
		return model.PBDocument{}, err
	}
	if !ok {
		return model.PBDocument{}, repository.ErrNotFound
	}
	return d, nil
}

// Stats implements repository.Store.
func (s *Store) Stats(ctx context.Context) (repository.Stats, error) {
	var st repository.Stats
	charts, err := s.rdb.SMembers(ctx, s.chartsKey()).Result()
	if err != nil {
		return st, classify("stats", err)
	}
	st.Charts = len(charts)

	var scoreCount *redis.IntCmd
	cards := make([]*redis.IntCmd, len(charts))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		scoreCount = p.SCard(ctx, s.scoreIDsKey())
		for i, c := range charts {
			cards[i] = p.SCard(ctx, s.chartKey(c))
		}
		return nil
	})
	if err != nil {
		return st, classify("stats", err)
	}
	st.Scores = int(scoreCount.Val())
	for _, c := range cards {
		st.PBs += int(c.Val())
	}
	repository.PublishStats(Driver, st)
	return st, nil
}

func encodePB(d model.PBDocument) ([]byte, error) {
	if err := repository.ValidateIdentity(d.ChartID, d.UserID); err != nil {
		return nil, err
	}
	body := d.Clone()
	body.Rank, body.OutOf = nil, nil
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode pb %s/%s: %w", d.ChartID, d.UserID, err)
	}
	return b, nil
}

func decodePB(fields map[string]string) (model.PBDocument, bool, error) {
	raw, ok := fields[fieldDoc]
	if !ok {
		return model.PBDocument{}, false, nil
	}
	var d model.PBDocument
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return model.PBDocument{}, false, fmt.Errorf("decode pb: %w", err)
	}
	if v, ok := fields[fieldRank]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.Rank = &n
		}
	}
	if v, ok := fields[fieldOutOf]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.OutOf = &n
		}
	}
	return d, true, nil
}

func isReplyError(err error) bool {
	var rerr redis.Error
	return errors.As(err, &rerr)
}

// classify maps client errors onto the repository sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.As(err, &netErr) {
		metrics.RecordErrorByComponent("redis", "unavailable")
		return repository.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func observe(op string, start time.Time) {
	metrics.RecordStoreOperation(Driver, op, time.Since(start))
}
