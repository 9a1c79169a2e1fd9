package redis

import (
	"context"
	"encoding/json"
	"sort"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/go-redis/redis/v8"
)

// LevelRepository stores level records as JSON fields of one hash, keyed
// by the level key string.
type LevelRepository struct {
	client *Client
	key    string
}

// NewLevelRepository creates a level repository on client.
func NewLevelRepository(client *Client) *LevelRepository {
	return &LevelRepository{client: client, key: client.Key("levels")}
}

func (r *LevelRepository) LoadLevels(ctx context.Context) ([]progressive.Level, error) {
	fields, err := r.client.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistence, "failed to load levels")
	}
	out := make([]progressive.Level, 0, len(fields))
	for field, val := range fields {
		var l progressive.Level
		if err := json.Unmarshal([]byte(val), &l); err != nil {
			return nil, apperrors.WrapWithDebug(err, apperrors.ErrPersistence, "corrupt level record", field)
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

// SaveLevels writes the batch in one MULTI/EXEC.
func (r *LevelRepository) SaveLevels(ctx context.Context, levels []progressive.Level) error {
	if len(levels) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(levels)*2)
	for _, l := range levels {
		data, err := json.Marshal(l)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to marshal level")
		}
		values = append(values, l.Key.String(), data)
	}
	_, err := r.client.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key, values...)
		return nil
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to save levels")
	}
	return nil
}

func (r *LevelRepository) DeleteLevels(ctx context.Context, keys []progressive.LevelKey) error {
	if len(keys) == 0 {
		return nil
	}
	fields := make([]string, len(keys))
	for i, k := range keys {
		fields[i] = k.String()
	}
	if err := r.client.client.HDel(ctx, r.key, fields...).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistence, "failed to delete levels")
	}
	return nil
}
