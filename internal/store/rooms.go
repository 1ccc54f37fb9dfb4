package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BranchKind distinguishes registered rooms from forked branches.
type BranchKind string

const (
	BranchKindRoot   BranchKind = "root"
	BranchKindBranch BranchKind = "branch"
)

// Room is the relational identity of a conversation. Identity fields are
// immutable once written; only visibility and metadata may change.
type Room struct {
	RoomID           string     `json:"room_id"`
	RoomName         string     `json:"room_name"`
	OwnerID          int64      `json:"uid"`
	OwnerName        string     `json:"user_name"`
	CharacterName    string     `json:"character_name"`
	CharacterVersion string     `json:"character_version"`
	BranchKind       BranchKind `json:"branch_kind"`
	RoomType         string     `json:"room_type"`
	IsPublic         bool       `json:"is_public"`
	Title            string     `json:"title"`
	Describe         string     `json:"describe"`
	CreatedAt        time.Time  `json:"created_at"`
}

// RoomStore handles database operations for rooms.
type RoomStore struct {
	db DBTX
}

// NewRoomStore creates a new room repository.
func NewRoomStore(db DBTX) *RoomStore {
	return &RoomStore{db: db}
}

const roomColumns = `room_id, room_name, owner_id, owner_name, character_name,
	character_version, branch_kind, room_type, is_public, title, describe_text, created_at`

func scanRoom(row interface{ Scan(...any) error }) (*Room, error) {
	room := &Room{}
	err := row.Scan(
		&room.RoomID,
		&room.RoomName,
		&room.OwnerID,
		&room.OwnerName,
		&room.CharacterName,
		&room.CharacterVersion,
		&room.BranchKind,
		&room.RoomType,
		&room.IsPublic,
		&room.Title,
		&room.Describe,
		&room.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoom fetches a room by id.
func (s *RoomStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE room_id = $1`

	room, err := scanRoom(s.db.QueryRowContext(ctx, query, roomID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to get room %s: %w", roomID, err)
	}
	return room, nil
}

// CreateRoom inserts a new room row.
func (s *RoomStore) CreateRoom(ctx context.Context, room *Room) error {
	query := `
		INSERT INTO rooms (
			room_id, room_name, owner_id, owner_name, character_name,
			character_version, branch_kind, room_type, is_public, title, describe_text
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		room.RoomID,
		room.RoomName,
		room.OwnerID,
		room.OwnerName,
		room.CharacterName,
		room.CharacterVersion,
		room.BranchKind,
		room.RoomType,
		room.IsPublic,
		room.Title,
		room.Describe,
	).Scan(&room.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create room %s: %w", room.RoomID, err)
	}
	return nil
}
