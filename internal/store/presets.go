package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Preset holds per-room sampler settings and the ordered prompt block list
// used to assemble model input. Rooms without a preset fall back to the
// built-in default template.
type Preset struct {
	RoomID          string    `json:"room_id"`
	Model           string    `json:"model"`
	Temperature     float64   `json:"temperature"`
	TopP            float64   `json:"top_p"`
	TopK            int       `json:"top_k"`
	MaxOutputTokens int       `json:"max_output_tokens"`
	MaxContext      int       `json:"max_context"`
	PromptJSON      string    `json:"prompt_json"`
	CreatedAt       time.Time `json:"created_at"`
}

// PromptBlock is one role-tagged block of a preset. The block with
// identifier "chatHistory" marks where conversation history is spliced in.
type PromptBlock struct {
	Identifier string `json:"identifier"`
	Role       string `json:"role"`
	Content    string `json:"content"`
}

// Blocks decodes the stored prompt block list.
func (p *Preset) Blocks() ([]PromptBlock, error) {
	var blocks []PromptBlock
	if err := json.Unmarshal([]byte(p.PromptJSON), &blocks); err != nil {
		return nil, fmt.Errorf("failed to decode preset blocks for room %s: %w", p.RoomID, err)
	}
	return blocks, nil
}

// PresetStore handles database operations for presets.
type PresetStore struct {
	db DBTX
}

// NewPresetStore creates a new preset repository.
func NewPresetStore(db DBTX) *PresetStore {
	return &PresetStore{db: db}
}

// GetByRoom fetches the preset for a room. A missing preset is not an
// error; it returns (nil, nil) and callers use the default template.
func (s *PresetStore) GetByRoom(ctx context.Context, roomID string) (*Preset, error) {
	query := `
		SELECT room_id, model, temperature, top_p, top_k, max_output_tokens, max_context, prompt_json, created_at
		FROM presets
		WHERE room_id = $1
	`

	preset := &Preset{}
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&preset.RoomID,
		&preset.Model,
		&preset.Temperature,
		&preset.TopP,
		&preset.TopK,
		&preset.MaxOutputTokens,
		&preset.MaxContext,
		&preset.PromptJSON,
		&preset.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get preset for room %s: %w", roomID, err)
	}
	return preset, nil
}

// Save upserts the preset for a room.
func (s *PresetStore) Save(ctx context.Context, preset *Preset) error {
	query := `
		INSERT INTO presets (room_id, model, temperature, top_p, top_k, max_output_tokens, max_context, prompt_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id) DO UPDATE SET
			model = EXCLUDED.model,
			temperature = EXCLUDED.temperature,
			top_p = EXCLUDED.top_p,
			top_k = EXCLUDED.top_k,
			max_output_tokens = EXCLUDED.max_output_tokens,
			max_context = EXCLUDED.max_context,
			prompt_json = EXCLUDED.prompt_json
	`

	_, err := s.db.ExecContext(ctx, query,
		preset.RoomID,
		preset.Model,
		preset.Temperature,
		preset.TopP,
		preset.TopK,
		preset.MaxOutputTokens,
		preset.MaxContext,
		preset.PromptJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save preset for room %s: %w", preset.RoomID, err)
	}
	return nil
}
