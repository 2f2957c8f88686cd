package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mlflare/mlflare-go/store"
	"github.com/mlflare/mlflare-go/types"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "mlflare"

	maxTxRetries = 5
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

func (s *Store) CreateRun(ctx context.Context, run store.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	if run.Status == "" {
		run.Status = types.StatusRunning
	}
	if run.Config == nil {
		run.Config = types.RunConfig{}
	}

	runRaw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.runKey(run.RunID), string(runRaw), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save run in redis: %w", err)
	}
	if !ok {
		return store.ErrConflict
	}

	score := float64(run.CreatedAt.UnixMilli())
	pipe := s.client.TxPipeline()
	for _, idx := range []string{s.allIndexKey(), s.projectIndexKey(run.Project)} {
		pipe.ZAdd(ctx, idx, goredis.Z{Score: score, Member: run.RunID})
		pipe.Expire(ctx, idx, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index run in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (store.RunRecord, error) {
	if runID == "" {
		return store.RunRecord{}, fmt.Errorf("run_id is required")
	}
	return loadRun(ctx, s.client, s.runKey(runID))
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func loadRun(ctx context.Context, c getter, key string) (store.RunRecord, error) {
	raw, err := c.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("failed to load run from redis: %w", err)
	}

	var run store.RunRecord
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return store.RunRecord{}, fmt.Errorf("failed to decode run from redis: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, query store.ListRunsQuery) ([]store.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	idx := s.allIndexKey()
	if query.Project != "" {
		idx = s.projectIndexKey(query.Project)
	}
	ids, err := s.client.ZRevRange(ctx, idx, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list run ids: %w", err)
	}
	if len(ids) == 0 {
		return []store.RunRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}

	loaded, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget runs from redis: %w", err)
	}

	out := make([]store.RunRecord, 0, len(loaded))
	staleIDs := make([]any, 0)
	for i, raw := range loaded {
		if raw == nil {
			staleIDs = append(staleIDs, ids[i])
			continue
		}
		var run store.RunRecord
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &run); err != nil {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		out = append(out, run)
	}

	if len(staleIDs) > 0 {
		_ = s.client.ZRem(ctx, idx, staleIDs...).Err()
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status types.RunStatus, at time.Time) (store.RunRecord, error) {
	if runID == "" {
		return store.RunRecord{}, fmt.Errorf("run_id is required")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return s.updateRun(ctx, runID, func(run *store.RunRecord, _ goredis.Pipeliner) error {
		completed := at.UTC()
		run.Status = status
		run.CompletedAt = &completed
		run.UpdatedAt = completed
		return nil
	})
}

func (s *Store) AppendMetrics(ctx context.Context, runID string, step int, metrics types.Metrics, at time.Time) error {
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	at = at.UTC()

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	slices.Sort(names)
	points := make([]any, 0, len(names))
	for _, name := range names {
		raw, err := json.Marshal(types.MetricPoint{RunID: runID, Step: step, Name: name, Value: metrics[name], Timestamp: at})
		if err != nil {
			return fmt.Errorf("failed to marshal metric point: %w", err)
		}
		points = append(points, string(raw))
	}

	metricsKey := s.metricsKey(runID)
	_, err := s.updateRun(ctx, runID, func(run *store.RunRecord, pipe goredis.Pipeliner) error {
		run.LastStep = step
		run.UpdatedAt = at
		if len(points) > 0 {
			pipe.RPush(ctx, metricsKey, points...)
			pipe.Expire(ctx, metricsKey, s.ttl)
		}
		return nil
	})
	return err
}

// updateRun applies mutate to the stored run under WATCH. A transaction that
// loses a race is retried up to maxTxRetries times.
func (s *Store) updateRun(ctx context.Context, runID string, mutate func(*store.RunRecord, goredis.Pipeliner) error) (store.RunRecord, error) {
	key := s.runKey(runID)
	var updated store.RunRecord
	txf := func(tx *goredis.Tx) error {
		run, err := loadRun(ctx, tx, key)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if err := mutate(&run, pipe); err != nil {
				return err
			}
			raw, err := json.Marshal(run)
			if err != nil {
				return fmt.Errorf("failed to marshal run: %w", err)
			}
			pipe.Set(ctx, key, string(raw), s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = run
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return store.RunRecord{}, err
		}
		return store.RunRecord{}, fmt.Errorf("failed to update run in redis: %w", err)
	}
	return store.RunRecord{}, fmt.Errorf("failed to update run %s: too much contention", runID)
}

func (s *Store) ListMetrics(ctx context.Context, runID string, name string) ([]types.MetricPoint, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	values, err := s.client.LRange(ctx, s.metricsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics from redis: %w", err)
	}
	if len(values) == 0 {
		if _, err := s.LoadRun(ctx, runID); err != nil {
			return nil, err
		}
		return []types.MetricPoint{}, nil
	}

	out := make([]types.MetricPoint, 0, len(values))
	for _, raw := range values {
		var point types.MetricPoint
		if err := json.Unmarshal([]byte(raw), &point); err != nil {
			continue
		}
		if name != "" && point.Name != name {
			continue
		}
		out = append(out, point)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Step < out[j].Step
	})
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, runID)
}

func (s *Store) metricsKey(runID string) string {
	return fmt.Sprintf("%s:metrics:%s", s.prefix, runID)
}

func (s *Store) allIndexKey() string {
	return fmt.Sprintf("%s:runidx:all", s.prefix)
}

func (s *Store) projectIndexKey(project string) string {
	return fmt.Sprintf("%s:runidx:project:%s", s.prefix, project)
}

var _ store.Store = (*Store)(nil)
