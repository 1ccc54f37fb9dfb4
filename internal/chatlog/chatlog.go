// Package chatlog holds the per-room message history in Redis: one list per
// room, records JSON-encoded, floor numbers assigned on append. Rooms are
// independent; the only coordination is the per-room lock that keeps the
// count-then-append floor assignment atomic within this process.
package chatlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Data types of a stored record.
const (
	DataTypeUser   = "user"
	DataTypeAI     = "ai"
	DataTypeSystem = "system"
)

// Payload is the message body as exchanged with clients.
type Payload struct {
	Name     string `json:"name"`
	IsUser   bool   `json:"is_user"`
	SendDate string `json:"send_date"`
	Mes      string `json:"mes"`
}

// Record is one message in a room's history. Once written it is immutable.
type Record struct {
	ID            string  `json:"id"`
	RoomID        string  `json:"room_id"`
	RoomName      string  `json:"room_name"`
	OwnerID       int64   `json:"uid"`
	OwnerName     string  `json:"username"`
	CharacterName string  `json:"character_name"`
	DataType      string  `json:"data_type"`
	Data          Payload `json:"data"`
	MesHTML       string  `json:"mes_html"`
	Floor         int     `json:"floor"`
	CreatedAt     int64   `json:"created_at"`
}

// SendDate formats a timestamp the way clients expect it, e.g.
// "September 30, 2025 5:51pm".
func SendDate(t time.Time) string {
	formatted := t.Format("January 02, 2006 3:04PM")
	if n := len(formatted); n >= 2 {
		switch formatted[n-2:] {
		case "AM":
			formatted = formatted[:n-2] + "am"
		case "PM":
			formatted = formatted[:n-2] + "pm"
		}
	}
	return formatted
}

// Store is the Redis-backed message log.
type Store struct {
	client *redis.Client

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

// NewStore connects to Redis and returns a message log store.
func NewStore(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{client: client, rooms: make(map[string]*sync.Mutex)}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

// lockRoom returns the mutex serializing appends for one room.
func (s *Store) lockRoom(roomID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rooms[roomID]
	if !ok {
		m = &sync.Mutex{}
		s.rooms[roomID] = m
	}
	return m
}

// Count returns the number of messages in a room.
func (s *Store) Count(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.LLen(ctx, roomMessagesKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count messages for room %s: %w", roomID, err)
	}
	return int(n), nil
}

// Append assigns the next floor (message count + 1) and stores the record.
// The per-room lock keeps concurrent appends from colliding on a floor.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	lock := s.lockRoom(rec.RoomID)
	lock.Lock()
	defer lock.Unlock()

	count, err := s.Count(ctx, rec.RoomID)
	if err != nil {
		return err
	}
	rec.Floor = count + 1

	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode message for room %s: %w", rec.RoomID, err)
	}

	if err := s.client.RPush(ctx, roomMessagesKey(rec.RoomID), string(data)).Err(); err != nil {
		return fmt.Errorf("failed to append message to room %s: %w", rec.RoomID, err)
	}
	return nil
}

// History returns the records with floor > lastFloor in floor order. A
// lastFloor of 0 reads the whole log; callers poll with their last-seen
// floor for incremental pulls.
func (s *Store) History(ctx context.Context, roomID string, lastFloor int) ([]Record, error) {
	raw, err := s.client.LRange(ctx, roomMessagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages for room %s: %w", roomID, err)
	}

	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		if rec.Floor <= lastFloor {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Clear deletes a room's log.
func (s *Store) Clear(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, roomMessagesKey(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to clear messages for room %s: %w", roomID, err)
	}
	return nil
}

// CopyPrefix copies the source room's records with floor <= cutFloor into
// the destination room, applying rewrite to each copy. The destination log
// is cleared first, so a retried copy is idempotent per target room and
// never duplicates floors. Returns the number of records copied.
func (s *Store) CopyPrefix(ctx context.Context, srcRoomID, dstRoomID string, cutFloor int, rewrite func(*Record)) (int, error) {
	source, err := s.History(ctx, srcRoomID, 0)
	if err != nil {
		return 0, err
	}

	lock := s.lockRoom(dstRoomID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.Clear(ctx, dstRoomID); err != nil {
		return 0, err
	}

	copied := 0
	for _, rec := range source {
		if rec.Floor > cutFloor {
			break
		}
		dup := rec
		dup.ID = ulid.Make().String()
		dup.RoomID = dstRoomID
		if rewrite != nil {
			rewrite(&dup)
		}

		data, err := json.Marshal(&dup)
		if err != nil {
			return copied, fmt.Errorf("failed to encode copied message: %w", err)
		}
		if err := s.client.RPush(ctx, roomMessagesKey(dstRoomID), string(data)).Err(); err != nil {
			return copied, fmt.Errorf("failed to copy message to room %s: %w", dstRoomID, err)
		}
		copied++
	}
	return copied, nil
}
