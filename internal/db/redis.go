package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

// maxTxRetries bounds optimistic transaction retries when another writer
// touches the same document.
const maxTxRetries = 16

// RedisStore is a Store backed by Redis. Each room keeps its document as a
// JSON string, its catalogue fields in a hash, and its last update time in
// a sorted set used for listing.
type RedisStore struct {
	client *redis.Client
	prefix string
	limits room.Limits
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string, limits room.Limits) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, limits), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, limits room.Limits) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "huddle:",
		limits: defaultLimits(limits),
		now:    time.Now,
	}
}

func (s *RedisStore) docKey(roomID string) string  { return s.prefix + "room:" + roomID + ":doc" }
func (s *RedisStore) metaKey(roomID string) string { return s.prefix + "room:" + roomID + ":meta" }
func (s *RedisStore) roomsKey() string             { return s.prefix + "rooms" }
func (s *RedisStore) docsKey() string              { return s.prefix + "documents" }

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Room operations

func (s *RedisStore) CreateRoom(ctx context.Context, id, name string) error {
	now := s.now().UnixMilli()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, s.metaKey(id), "name", name)
		pipe.HSetNX(ctx, s.metaKey(id), "created_at", now)
		pipe.HSetNX(ctx, s.metaKey(id), "updated_at", now)
		pipe.ZAddNX(ctx, s.roomsKey(), redis.Z{Score: float64(now), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create room %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	fields, err := s.client.HGetAll(ctx, s.metaKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return roomFromHash(id, fields), nil
}

func (s *RedisStore) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	if limit <= 0 {
		return []Room{}, nil
	}
	ids, err := s.client.ZRevRange(ctx, s.roomsKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.metaKey(id))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms := make([]Room, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		rooms = append(rooms, *roomFromHash(id, fields))
	}
	return rooms, nil
}

// DocumentIDs walks the document index, a sorted set whose members all
// score zero so they are ordered by id.
func (s *RedisStore) DocumentIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	lower := "-"
	if after != "" {
		lower = "(" + after
	}
	ids, err := s.client.ZRangeByLex(ctx, s.docsKey(), &redis.ZRangeBy{
		Min:   lower,
		Max:   "+",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(id), s.metaKey(id))
		pipe.ZRem(ctx, s.roomsKey(), id)
		pipe.ZRem(ctx, s.docsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", id, err)
	}
	return nil
}

// Document operations

func (s *RedisStore) Read(ctx context.Context, roomID string) (*room.Snapshot, error) {
	data, err := s.client.Get(ctx, s.docKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", roomID, err)
	}
	return decodeSnapshot(roomID, data)
}

func (s *RedisStore) CreateDefault(ctx context.Context, roomID string) (*room.Snapshot, error) {
	if err := s.CreateRoom(ctx, roomID, ""); err != nil {
		return nil, err
	}
	name, err := s.client.HGet(ctx, s.metaKey(roomID), "name").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	snap := room.Default(roomID, s.now())
	snap.Name = name
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode room %s: %w", roomID, err)
	}

	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, s.docKey(roomID), data, 0)
		pipe.ZAddNX(ctx, s.docsKey(), redis.Z{Member: roomID})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("create document %s: %w", roomID, err)
	}

	// Another writer may have created the document first.
	stored, err := s.Read(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("create document %s: %w", roomID, room.ErrRoomNotFound)
	}
	return stored, nil
}

func (s *RedisStore) Patch(ctx context.Context, roomID string, ops ...room.Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := s.Mutate(ctx, roomID, applyPatch(ops, s.now(), s.limits))
	return err
}

func (s *RedisStore) Mutate(ctx context.Context, roomID string, fn func(*room.Snapshot) error) (*room.Snapshot, error) {
	docKey := s.docKey(roomID)
	var result *room.Snapshot

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, docKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return room.ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("load document %s: %w", roomID, err)
		}

		snap, err := decodeSnapshot(roomID, data)
		if err != nil {
			return err
		}
		if err := fn(snap); errors.Is(err, room.ErrUnchanged) {
			result = snap
			return nil
		} else if err != nil {
			return err
		}

		now := s.now().UTC()
		snap.Version++
		snap.LastUpdated = now
		if data, err = json.Marshal(snap); err != nil {
			return fmt.Errorf("encode room %s: %w", roomID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey, data, 0)
			pipe.HSet(ctx, s.metaKey(roomID), "version", snap.Version, "updated_at", now.UnixMilli())
			pipe.ZAdd(ctx, s.roomsKey(), redis.Z{Score: float64(now.UnixMilli()), Member: roomID})
			return nil
		})
		if err != nil {
			return err
		}
		result = snap
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, docKey)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("mutate room %s: too many concurrent writers", roomID)
}

// Stats

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	rooms, err := s.client.ZCard(ctx, s.roomsKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count rooms: %w", err)
	}
	docs, err := s.client.ZCard(ctx, s.docsKey()).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count documents: %w", err)
	}
	return Stats{RoomCount: int(rooms), DocumentCount: int(docs)}, nil
}

func roomFromHash(id string, fields map[string]string) *Room {
	r := &Room{ID: id, Name: fields["name"]}
	r.Version, _ = strconv.ParseInt(fields["version"], 10, 64)
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		r.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		r.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return r
}
