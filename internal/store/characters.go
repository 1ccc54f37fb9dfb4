package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatbranch/internal/render"
)

// CharacterCard is the stored character definition for a room. The payload
// is kept as the raw JSON the card was uploaded with; forks copy the row
// (deep copy, new id) so later edits to the source never leak into branches.
type CharacterCard struct {
	ID            int64     `json:"id"`
	RoomID        string    `json:"room_id"`
	OwnerID       int64     `json:"uid"`
	OwnerName     string    `json:"username"`
	CharacterName string    `json:"character_name"`
	CharacterData string    `json:"character_data"`
	IsPrivate     bool      `json:"is_private"`
	CreatedAt     time.Time `json:"created_at"`
}

// BookEntry is one lore entry of a character book.
type BookEntry struct {
	Content string `json:"content"`
}

// CharacterPayload is the decoded shape of CharacterData. Only the fields
// the prompt builder and the render pipeline consume are typed.
type CharacterPayload struct {
	Description string `json:"description"`
	Data        struct {
		FirstMes      string `json:"first_mes"`
		CharacterBook struct {
			Entries []BookEntry `json:"entries"`
		} `json:"character_book"`
		Extensions struct {
			RegexScripts []render.RegexScript `json:"regex_scripts"`
		} `json:"extensions"`
	} `json:"data"`
}

// Payload decodes the stored character JSON.
func (c *CharacterCard) Payload() (*CharacterPayload, error) {
	payload := &CharacterPayload{}
	if err := json.Unmarshal([]byte(c.CharacterData), payload); err != nil {
		return nil, fmt.Errorf("failed to decode character data for room %s: %w", c.RoomID, err)
	}
	return payload, nil
}

// LoreText concatenates the character book entries in order.
func (p *CharacterPayload) LoreText() string {
	var lore string
	for _, entry := range p.Data.CharacterBook.Entries {
		lore += entry.Content
	}
	return lore
}

// CharacterStore handles database operations for character cards.
type CharacterStore struct {
	db DBTX
}

// NewCharacterStore creates a new character repository.
func NewCharacterStore(db DBTX) *CharacterStore {
	return &CharacterStore{db: db}
}

// GetByRoom fetches the character card attached to a room.
func (s *CharacterStore) GetByRoom(ctx context.Context, roomID string) (*CharacterCard, error) {
	query := `
		SELECT id, room_id, owner_id, owner_name, character_name, character_data, is_private, created_at
		FROM character_cards
		WHERE room_id = $1
		ORDER BY id ASC
		LIMIT 1
	`

	card := &CharacterCard{}
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&card.ID,
		&card.RoomID,
		&card.OwnerID,
		&card.OwnerName,
		&card.CharacterName,
		&card.CharacterData,
		&card.IsPrivate,
		&card.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCharacterNotFound
		}
		return nil, fmt.Errorf("failed to get character for room %s: %w", roomID, err)
	}
	return card, nil
}

// Create inserts a character card row and fills in its generated id.
func (s *CharacterStore) Create(ctx context.Context, card *CharacterCard) error {
	query := `
		INSERT INTO character_cards (room_id, owner_id, owner_name, character_name, character_data, is_private)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		card.RoomID,
		card.OwnerID,
		card.OwnerName,
		card.CharacterName,
		card.CharacterData,
		card.IsPrivate,
	).Scan(&card.ID, &card.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create character card for room %s: %w", card.RoomID, err)
	}
	return nil
}
