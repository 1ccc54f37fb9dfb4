package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Service bundles the repositories over one database handle and owns the
// single transaction a fork's relational writes run in.
type Service struct {
	db *sql.DB

	rooms      *RoomStore
	characters *CharacterStore
	presets    *PresetStore
	lineage    *LineageStore
}

// NewService creates a service over an open database connection.
func NewService(db *sql.DB) *Service {
	return &Service{
		db:         db,
		rooms:      NewRoomStore(db),
		characters: NewCharacterStore(db),
		presets:    NewPresetStore(db),
		lineage:    NewLineageStore(db),
	}
}

// GetRoom fetches a room by id.
func (s *Service) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	return s.rooms.GetRoom(ctx, roomID)
}

// CreateRoom inserts a root room.
func (s *Service) CreateRoom(ctx context.Context, room *Room) error {
	return s.rooms.CreateRoom(ctx, room)
}

// GetCharacterByRoom fetches the character card attached to a room.
func (s *Service) GetCharacterByRoom(ctx context.Context, roomID string) (*CharacterCard, error) {
	return s.characters.GetByRoom(ctx, roomID)
}

// CreateCharacter inserts a character card.
func (s *Service) CreateCharacter(ctx context.Context, card *CharacterCard) error {
	return s.characters.Create(ctx, card)
}

// GetPreset fetches the preset for a room, nil when absent.
func (s *Service) GetPreset(ctx context.Context, roomID string) (*Preset, error) {
	return s.presets.GetByRoom(ctx, roomID)
}

// SavePreset upserts a preset.
func (s *Service) SavePreset(ctx context.Context, preset *Preset) error {
	return s.presets.Save(ctx, preset)
}

// RootOf resolves the terminal ancestor of a room.
func (s *Service) RootOf(ctx context.Context, roomID string) (string, error) {
	return s.lineage.RootOf(ctx, roomID)
}

// TraceFor returns a room's lineage row, nil for roots.
func (s *Service) TraceFor(ctx context.Context, roomID string) (*ForkTrace, error) {
	return s.lineage.TraceFor(ctx, roomID)
}

// RelationsFor lists fork actions dedicated to a target.
func (s *Service) RelationsFor(ctx context.Context, targetID int64, limit, offset int) ([]*ForkRelation, error) {
	return s.lineage.RelationsFor(ctx, targetID, limit, offset)
}

// RelationsFrom lists fork actions performed by a user.
func (s *Service) RelationsFrom(ctx context.Context, userID int64, limit, offset int) ([]*ForkRelation, error) {
	return s.lineage.RelationsFrom(ctx, userID, limit, offset)
}

// ListRelations lists all fork actions with paging.
func (s *Service) ListRelations(ctx context.Context, limit, offset int) ([]*ForkRelation, int, error) {
	total, err := s.lineage.CountRelations(ctx)
	if err != nil {
		return nil, 0, err
	}
	relations, err := s.lineage.ListRelations(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return relations, total, nil
}

// Branch carries everything a fork writes to the relational store.
type Branch struct {
	Room     *Room
	Card     *CharacterCard
	Relation *ForkRelation
	Parent   *Room
}

// CreateBranch writes the room, copied character card, audit relation and
// lineage trace of a fork in one transaction. Either all relational rows
// exist afterwards or none do, so a failed fork never leaves an orphaned
// room without a lineage trace.
func (s *Service) CreateBranch(ctx context.Context, branch *Branch) (*ForkTrace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin fork transaction: %w", err)
	}
	defer tx.Rollback()

	rooms := NewRoomStore(tx)
	characters := NewCharacterStore(tx)
	lineage := NewLineageStore(tx)

	if err := rooms.CreateRoom(ctx, branch.Room); err != nil {
		return nil, err
	}
	if err := characters.Create(ctx, branch.Card); err != nil {
		return nil, err
	}
	if err := lineage.AddRelation(ctx, branch.Relation); err != nil {
		return nil, err
	}
	trace, err := lineage.AppendFork(ctx, branch.Parent, branch.Room)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit fork transaction: %w", err)
	}
	return trace, nil
}
