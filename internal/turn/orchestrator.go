// Package turn runs the chat loop for a room: it persists user turns,
// queues reply generation, and writes the generated reply back with its
// rendered HTML.
package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatbranch/internal/chatlog"
	"github.com/chatbranch/internal/llm"
	"github.com/chatbranch/internal/render"
	"github.com/chatbranch/internal/store"
)

// historyWindow is how many recent turns are replayed to the model.
const historyWindow = 10

var ErrEmptyMessage = errors.New("message text must not be empty")

// Catalog is the slice of the relational store the orchestrator reads.
type Catalog interface {
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
	GetCharacterByRoom(ctx context.Context, roomID string) (*store.CharacterCard, error)
	GetPreset(ctx context.Context, roomID string) (*store.Preset, error)
	RootOf(ctx context.Context, roomID string) (string, error)
}

// MessageLog is the slice of the document store the orchestrator uses.
type MessageLog interface {
	Count(ctx context.Context, roomID string) (int, error)
	Append(ctx context.Context, rec *chatlog.Record) error
	History(ctx context.Context, roomID string, lastFloor int) ([]chatlog.Record, error)
}

// Enqueuer hands a room off for asynchronous reply generation.
type Enqueuer interface {
	EnqueueReply(ctx context.Context, roomID string) error
}

// Orchestrator drives turn submission and reply generation for all rooms.
type Orchestrator struct {
	db       Catalog
	log      MessageLog
	gen      llm.Generator
	pipeline *render.Pipeline
	queue    Enqueuer
	logger   zerolog.Logger

	now func() time.Time
}

func NewOrchestrator(db Catalog, log MessageLog, gen llm.Generator, pipeline *render.Pipeline, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		db:       db,
		log:      log,
		gen:      gen,
		pipeline: pipeline,
		logger:   logger.With().Str("component", "turn").Logger(),
		now:      time.Now,
	}
}

// SetEnqueuer wires the job queue after construction. The queue's worker
// needs the orchestrator, so the two cannot be built in one shot.
func (o *Orchestrator) SetEnqueuer(queue Enqueuer) {
	o.queue = queue
}

// SubmitUserTurn appends the user's message at the next floor and queues
// reply generation. The user turn stays persisted even when queueing fails.
func (o *Orchestrator) SubmitUserTurn(ctx context.Context, roomID string, userID int64, userName, text string) (*chatlog.Record, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}

	room, err := o.db.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	rec := &chatlog.Record{
		RoomID:        room.RoomID,
		RoomName:      room.RoomName,
		OwnerID:       userID,
		OwnerName:     userName,
		CharacterName: room.CharacterName,
		DataType:      chatlog.DataTypeUser,
		Data: chatlog.Payload{
			Name:     userName,
			IsUser:   true,
			SendDate: chatlog.SendDate(o.now()),
			Mes:      text,
		},
		// user input is displayed as typed
		MesHTML: text,
	}
	if err := o.log.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to append user turn: %w", err)
	}

	if o.queue != nil {
		if err := o.queue.EnqueueReply(ctx, roomID); err != nil {
			o.logger.Error().Err(err).Str("room_id", roomID).Msg("failed to enqueue reply generation")
			return rec, fmt.Errorf("failed to enqueue reply generation: %w", err)
		}
	}

	o.logger.Debug().Str("room_id", roomID).Int("floor", rec.Floor).Msg("user turn persisted")
	return rec, nil
}

// GenerateReply builds the model input for the room, calls the generator,
// renders the reply, and appends it at the next floor. A generation failure
// leaves the room's history untouched.
func (o *Orchestrator) GenerateReply(ctx context.Context, roomID string) (*chatlog.Record, error) {
	room, err := o.db.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	// Character card and preset live on the lineage root; forked rooms
	// carry copies but the root's row is the canonical one for prompting.
	rootID, err := o.db.RootOf(ctx, roomID)
	if err != nil {
		return nil, err
	}
	card, err := o.db.GetCharacterByRoom(ctx, rootID)
	if err != nil {
		return nil, err
	}
	payload, err := card.Payload()
	if err != nil {
		return nil, err
	}

	history, lastUserMessage, err := o.recentHistory(ctx, roomID)
	if err != nil {
		return nil, err
	}

	preset, err := o.db.GetPreset(ctx, rootID)
	if err != nil {
		return nil, err
	}

	vals := promptValues{
		Description:     payload.Description,
		Lore:            payload.LoreText(),
		UserName:        card.OwnerName,
		LastUserMessage: lastUserMessage,
	}
	blocks, err := buildBlocks(preset, vals, history)
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt for room %s: %w", roomID, err)
	}
	blocks = mergeBlocks(blocks)

	raw, err := o.gen.Generate(ctx, blocks, samplingFor(preset))
	if err != nil {
		return nil, fmt.Errorf("generation failed for room %s: %w", roomID, err)
	}

	depth := 0
	html := o.pipeline.Render(raw, render.Options{
		Placement:        render.PlacementAIOutput,
		Markdown:         true,
		Prompt:           true,
		Depth:            &depth,
		CharacterScripts: payload.Data.Extensions.RegexScripts,
	})

	rec := &chatlog.Record{
		RoomID:        room.RoomID,
		RoomName:      room.RoomName,
		OwnerID:       room.OwnerID,
		OwnerName:     room.OwnerName,
		CharacterName: card.CharacterName,
		DataType:      chatlog.DataTypeAI,
		Data: chatlog.Payload{
			Name:     card.CharacterName,
			IsUser:   false,
			SendDate: chatlog.SendDate(o.now()),
			Mes:      raw,
		},
		MesHTML: html,
	}
	if err := o.log.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to append reply: %w", err)
	}

	o.logger.Debug().
		Str("room_id", roomID).
		Int("floor", rec.Floor).
		Int("prompt_blocks", len(blocks)).
		Msg("reply persisted")
	return rec, nil
}

// recentHistory returns the last turns as role-tagged blocks plus the text
// of the most recent user turn.
func (o *Orchestrator) recentHistory(ctx context.Context, roomID string) ([]llm.Block, string, error) {
	count, err := o.log.Count(ctx, roomID)
	if err != nil {
		return nil, "", err
	}
	lastFloor := count - historyWindow
	if lastFloor < 0 {
		lastFloor = 0
	}
	records, err := o.log.History(ctx, roomID, lastFloor)
	if err != nil {
		return nil, "", err
	}

	var blocks []llm.Block
	var lastUserMessage string
	for _, rec := range records {
		if rec.Data.Mes == "" {
			continue
		}
		role := llm.RoleModel
		if rec.Data.IsUser {
			role = llm.RoleUser
			lastUserMessage = rec.Data.Mes
		}
		blocks = append(blocks, llm.Block{Role: role, Text: rec.Data.Mes})
	}
	return blocks, lastUserMessage, nil
}

func samplingFor(preset *store.Preset) llm.Sampling {
	sampling := llm.DefaultSampling()
	if preset == nil {
		return sampling
	}
	if preset.Temperature > 0 {
		sampling.Temperature = preset.Temperature
	}
	if preset.TopP > 0 {
		sampling.TopP = preset.TopP
	}
	if preset.TopK > 0 {
		sampling.TopK = preset.TopK
	}
	if preset.MaxOutputTokens > 0 {
		sampling.MaxOutputTokens = preset.MaxOutputTokens
	}
	return sampling
}
