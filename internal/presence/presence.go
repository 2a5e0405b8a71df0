// Package presence mirrors live room rosters and typing signals into Redis so
// other processes (dashboards, a second server instance) can read them. The
// in-process Room remains the source of truth; every method is a no-op on a
// nil Mirror or nil client.
package presence

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTypingTTL = 2 * time.Second
	roomsKey         = "presence:rooms"
)

// Connect builds a Redis client from either host:port or a redis:// URL and
// pings it. An empty address returns a nil client and no error.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}

	opts := &redis.Options{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Host
		if parsed.User != nil {
			opts.Username = parsed.User.Username()
			if password, ok := parsed.User.Password(); ok {
				opts.Password = password
			}
		}
		if parsed.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	} else {
		opts.Addr = addr
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Println("[Presence] Redis connection established")
	return client, nil
}

type Mirror struct {
	redis     *redis.Client
	typingTTL time.Duration
	now       func() time.Time
}

func New(client *redis.Client) *Mirror {
	return &Mirror{
		redis:     client,
		typingTTL: DefaultTypingTTL,
		now:       time.Now,
	}
}

func (m *Mirror) Enabled() bool {
	return m != nil && m.redis != nil
}

// Room is a live room as recorded in Redis.
type Room struct {
	ID       string   `json:"id"`
	Instance string   `json:"instance"`
	Roster   []string `json:"roster"`
}

// Keys carry the room instance so a room that closes and reopens under the
// same id never shares state with its predecessor.
func rosterKey(roomID, instance string) string {
	return "presence:room:" + roomID + ":" + instance + ":roster"
}

func typingKey(roomID, instance string) string {
	return "presence:room:" + roomID + ":" + instance + ":typing"
}

// clearScript deletes an instance's keys and unregisters the room only while
// the registry still points at that instance.
var clearScript = redis.NewScript(`
redis.call("DEL", KEYS[2], KEYS[3])
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	redis.call("HDEL", KEYS[1], ARGV[1])
end
return 1
`)

// SetRoster replaces the stored roster of a room instance, preserving join
// order, and registers the instance as the room's current one.
func (m *Mirror) SetRoster(ctx context.Context, roomID, instance string, names []string) error {
	if !m.Enabled() {
		return nil
	}
	if len(names) == 0 {
		return m.ClearRoom(ctx, roomID, instance)
	}

	values := make([]any, len(names))
	for i, n := range names {
		values[i] = n
	}
	_, err := m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := rosterKey(roomID, instance)
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, values...)
		pipe.HSet(ctx, roomsKey, roomID, instance)
		return nil
	})
	return err
}

// ClearRoom removes everything stored for a destroyed room instance. A newer
// instance of the same room id is left untouched.
func (m *Mirror) ClearRoom(ctx context.Context, roomID, instance string) error {
	if !m.Enabled() {
		return nil
	}
	keys := []string{roomsKey, rosterKey(roomID, instance), typingKey(roomID, instance)}
	return clearScript.Run(ctx, m.redis, keys, roomID, instance).Err()
}

// MarkTyping records that name typed just now. The whole hash expires once
// nobody has typed for the TTL.
func (m *Mirror) MarkTyping(ctx context.Context, roomID, instance, name string) error {
	if !m.Enabled() {
		return nil
	}
	key := typingKey(roomID, instance)
	_, err := m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, name, m.now().UnixMilli())
		pipe.Expire(ctx, key, m.typingTTL)
		return nil
	})
	return err
}

// TypingUsers lists names that typed within the TTL, sorted.
func (m *Mirror) TypingUsers(ctx context.Context, roomID, instance string) ([]string, error) {
	if !m.Enabled() {
		return nil, nil
	}
	entries, err := m.redis.HGetAll(ctx, typingKey(roomID, instance)).Result()
	if err != nil {
		return nil, err
	}
	return activeTypists(entries, m.now(), m.typingTTL), nil
}

// Rooms lists every registered room with its current roster, sorted by id.
func (m *Mirror) Rooms(ctx context.Context) ([]Room, error) {
	if !m.Enabled() {
		return nil, nil
	}
	registered, err := m.redis.HGetAll(ctx, roomsKey).Result()
	if err != nil {
		return nil, err
	}

	rooms := make([]Room, 0, len(registered))
	for id, instance := range registered {
		rooms = append(rooms, Room{ID: id, Instance: instance})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	cmds := make([]*redis.StringSliceCmd, len(rooms))
	_, err = m.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, r := range rooms {
			cmds[i] = pipe.LRange(ctx, rosterKey(r.ID, r.Instance), 0, -1)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].Roster = cmds[i].Val()
	}
	return rooms, nil
}

func activeTypists(entries map[string]string, now time.Time, ttl time.Duration) []string {
	cutoff := now.Add(-ttl).UnixMilli()
	names := make([]string, 0, len(entries))
	for name, raw := range entries {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < cutoff {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
