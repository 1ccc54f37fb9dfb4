package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// maxLineageDepth bounds the ancestor walk so a corrupted chain cannot loop
// forever.
const maxLineageDepth = 1000

// ForkRelation is the append-only audit row written once per fork action.
type ForkRelation struct {
	ID           int64     `json:"id"`
	FromUserID   int64     `json:"from_id"`
	FromUserName string    `json:"from_username"`
	TargetID     int64     `json:"target_id"`
	SourceRoomID string    `json:"source_room_id"`
	CutFloor     int       `json:"cut_floor"`
	CreatedAt    time.Time `json:"created_at"`
}

// ForkTrace is one lineage edge. source_* always names the root of the
// whole chain and is copied forward unchanged on every fork; prev_* is the
// immediate parent.
type ForkTrace struct {
	ID             int64     `json:"id"`
	SourceRoomID   string    `json:"source_room_id"`
	SourceOwnerID  int64     `json:"source_uid"`
	PrevRoomID     string    `json:"prev_room_id"`
	PrevOwnerID    int64     `json:"prev_uid"`
	CurrentRoomID  string    `json:"current_room_id"`
	CurrentOwnerID int64     `json:"current_uid"`
	CreatedAt      time.Time `json:"created_at"`
}

// LineageStore handles database operations for the fork forest. All writes
// are append-only; rows are never updated or deleted.
type LineageStore struct {
	db DBTX
}

// NewLineageStore creates a new lineage repository.
func NewLineageStore(db DBTX) *LineageStore {
	return &LineageStore{db: db}
}

const traceColumns = `id, source_room_id, source_owner_id, prev_room_id, prev_owner_id,
	current_room_id, current_owner_id, created_at`

func scanTrace(row interface{ Scan(...any) error }) (*ForkTrace, error) {
	trace := &ForkTrace{}
	err := row.Scan(
		&trace.ID,
		&trace.SourceRoomID,
		&trace.SourceOwnerID,
		&trace.PrevRoomID,
		&trace.PrevOwnerID,
		&trace.CurrentRoomID,
		&trace.CurrentOwnerID,
		&trace.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return trace, nil
}

// TraceFor returns the lineage row of a room, or nil for a root room.
func (s *LineageStore) TraceFor(ctx context.Context, roomID string) (*ForkTrace, error) {
	query := `SELECT ` + traceColumns + ` FROM fork_traces WHERE current_room_id = $1 ORDER BY id DESC LIMIT 1`

	trace, err := scanTrace(s.db.QueryRowContext(ctx, query, roomID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get fork trace for room %s: %w", roomID, err)
	}
	return trace, nil
}

// RootOf walks prev pointers to the terminal ancestor, the room with no
// trace row of its own.
func (s *LineageStore) RootOf(ctx context.Context, roomID string) (string, error) {
	current := roomID
	for i := 0; i < maxLineageDepth; i++ {
		trace, err := s.TraceFor(ctx, current)
		if err != nil {
			return "", err
		}
		if trace == nil {
			return current, nil
		}
		current = trace.PrevRoomID
	}
	return "", fmt.Errorf("lineage chain for room %s exceeds %d hops", roomID, maxLineageDepth)
}

// AppendFork records the lineage edge for a new branch. The parent's own
// trace supplies source_*; a parent without one is the source itself.
// Copying forward rather than recomputing keeps source_* consistent across
// the whole chain.
func (s *LineageStore) AppendFork(ctx context.Context, parent *Room, newRoom *Room) (*ForkTrace, error) {
	parentTrace, err := s.TraceFor(ctx, parent.RoomID)
	if err != nil {
		return nil, err
	}

	trace := &ForkTrace{
		SourceRoomID:   parent.RoomID,
		SourceOwnerID:  parent.OwnerID,
		PrevRoomID:     parent.RoomID,
		PrevOwnerID:    parent.OwnerID,
		CurrentRoomID:  newRoom.RoomID,
		CurrentOwnerID: newRoom.OwnerID,
	}
	if parentTrace != nil {
		trace.SourceRoomID = parentTrace.SourceRoomID
		trace.SourceOwnerID = parentTrace.SourceOwnerID
	}

	query := `
		INSERT INTO fork_traces (source_room_id, source_owner_id, prev_room_id, prev_owner_id, current_room_id, current_owner_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err = s.db.QueryRowContext(ctx, query,
		trace.SourceRoomID,
		trace.SourceOwnerID,
		trace.PrevRoomID,
		trace.PrevOwnerID,
		trace.CurrentRoomID,
		trace.CurrentOwnerID,
	).Scan(&trace.ID, &trace.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append fork trace for room %s: %w", newRoom.RoomID, err)
	}
	return trace, nil
}

// AddRelation writes the audit row for a fork action.
func (s *LineageStore) AddRelation(ctx context.Context, relation *ForkRelation) error {
	query := `
		INSERT INTO fork_relations (from_user_id, from_user_name, target_id, source_room_id, cut_floor)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		relation.FromUserID,
		relation.FromUserName,
		relation.TargetID,
		relation.SourceRoomID,
		relation.CutFloor,
	).Scan(&relation.ID, &relation.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add fork relation: %w", err)
	}
	return nil
}

func (s *LineageStore) listRelations(ctx context.Context, query string, args ...any) ([]*ForkRelation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fork relations: %w", err)
	}
	defer rows.Close()

	// Empty slice so JSON encodes to [] rather than null
	relations := make([]*ForkRelation, 0)
	for rows.Next() {
		relation := &ForkRelation{}
		err := rows.Scan(
			&relation.ID,
			&relation.FromUserID,
			&relation.FromUserName,
			&relation.TargetID,
			&relation.SourceRoomID,
			&relation.CutFloor,
			&relation.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fork relation: %w", err)
		}
		relations = append(relations, relation)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fork relations: %w", err)
	}
	return relations, nil
}

const relationColumns = `id, from_user_id, from_user_name, target_id, source_room_id, cut_floor, created_at`

// RelationsFor lists fork actions dedicated to a target, newest first.
func (s *LineageStore) RelationsFor(ctx context.Context, targetID int64, limit, offset int) ([]*ForkRelation, error) {
	query := `SELECT ` + relationColumns + ` FROM fork_relations
		WHERE target_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	return s.listRelations(ctx, query, targetID, limit, offset)
}

// RelationsFrom lists fork actions performed by a user, newest first.
func (s *LineageStore) RelationsFrom(ctx context.Context, userID int64, limit, offset int) ([]*ForkRelation, error) {
	query := `SELECT ` + relationColumns + ` FROM fork_relations
		WHERE from_user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	return s.listRelations(ctx, query, userID, limit, offset)
}

// ListRelations lists all fork actions, newest first.
func (s *LineageStore) ListRelations(ctx context.Context, limit, offset int) ([]*ForkRelation, error) {
	query := `SELECT ` + relationColumns + ` FROM fork_relations
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	return s.listRelations(ctx, query, limit, offset)
}

// CountRelations returns the total number of fork actions.
func (s *LineageStore) CountRelations(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fork_relations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count fork relations: %w", err)
	}
	return count, nil
}
