package turn

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbranch/internal/chatlog"
	"github.com/chatbranch/internal/llm"
	"github.com/chatbranch/internal/render"
	"github.com/chatbranch/internal/store"
)

type fakeCatalog struct {
	rooms   map[string]*store.Room
	cards   map[string]*store.CharacterCard
	presets map[string]*store.Preset
	roots   map[string]string
}

func (f *fakeCatalog) GetRoom(_ context.Context, roomID string) (*store.Room, error) {
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, store.ErrRoomNotFound
	}
	return room, nil
}

func (f *fakeCatalog) GetCharacterByRoom(_ context.Context, roomID string) (*store.CharacterCard, error) {
	card, ok := f.cards[roomID]
	if !ok {
		return nil, store.ErrCharacterNotFound
	}
	return card, nil
}

func (f *fakeCatalog) GetPreset(_ context.Context, roomID string) (*store.Preset, error) {
	return f.presets[roomID], nil
}

func (f *fakeCatalog) RootOf(_ context.Context, roomID string) (string, error) {
	if root, ok := f.roots[roomID]; ok {
		return root, nil
	}
	return roomID, nil
}

type fakeLog struct {
	rooms map[string][]chatlog.Record
}

func (f *fakeLog) Count(_ context.Context, roomID string) (int, error) {
	return len(f.rooms[roomID]), nil
}

func (f *fakeLog) Append(_ context.Context, rec *chatlog.Record) error {
	rec.Floor = len(f.rooms[rec.RoomID]) + 1
	f.rooms[rec.RoomID] = append(f.rooms[rec.RoomID], *rec)
	return nil
}

func (f *fakeLog) History(_ context.Context, roomID string, lastFloor int) ([]chatlog.Record, error) {
	var out []chatlog.Record
	for _, rec := range f.rooms[roomID] {
		if rec.Floor > lastFloor {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeGenerator struct {
	blocks   []llm.Block
	sampling llm.Sampling
	reply    string
	err      error
}

func (f *fakeGenerator) Generate(_ context.Context, blocks []llm.Block, sampling llm.Sampling) (string, error) {
	f.blocks = blocks
	f.sampling = sampling
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeEnqueuer struct {
	roomIDs []string
	err     error
}

func (f *fakeEnqueuer) EnqueueReply(_ context.Context, roomID string) error {
	if f.err != nil {
		return f.err
	}
	f.roomIDs = append(f.roomIDs, roomID)
	return nil
}

const testCardJSON = `{
	"description": "Mira is a quick-witted rogue.",
	"data": {
		"first_mes": "Mira tips her hat.",
		"character_book": {"entries": [{"content": "The city of Vell sits on a cliff. "}, {"content": "Thieves guild rules the docks."}]},
		"extensions": {"regex_scripts": []}
	}
}`

func newTestFixture() (*Orchestrator, *fakeCatalog, *fakeLog, *fakeGenerator, *fakeEnqueuer) {
	db := &fakeCatalog{
		rooms: map[string]*store.Room{
			"room1": {RoomID: "room1", RoomName: "adventure", OwnerID: 7, OwnerName: "alice", CharacterName: "Mira"},
		},
		cards: map[string]*store.CharacterCard{
			"room1": {RoomID: "room1", OwnerID: 7, OwnerName: "alice", CharacterName: "Mira", CharacterData: testCardJSON},
		},
		presets: map[string]*store.Preset{},
		roots:   map[string]string{},
	}
	log := &fakeLog{rooms: map[string][]chatlog.Record{}}
	gen := &fakeGenerator{reply: "A fine evening for mischief."}
	queue := &fakeEnqueuer{}

	o := NewOrchestrator(db, log, gen, render.NewPipeline(zerolog.Nop()), zerolog.Nop())
	o.SetEnqueuer(queue)
	o.now = func() time.Time { return time.Date(2025, 9, 30, 17, 51, 0, 0, time.UTC) }
	return o, db, log, gen, queue
}

func submitTurns(t *testing.T, o *Orchestrator, roomID string, texts ...string) {
	t.Helper()
	for _, text := range texts {
		_, err := o.SubmitUserTurn(context.Background(), roomID, 7, "alice", text)
		require.NoError(t, err)
		_, err = o.GenerateReply(context.Background(), roomID)
		require.NoError(t, err)
	}
}

func TestSubmitUserTurn(t *testing.T) {
	ctx := context.Background()

	t.Run("RejectsEmptyText", func(t *testing.T) {
		o, _, _, _, _ := newTestFixture()
		_, err := o.SubmitUserTurn(ctx, "room1", 7, "alice", "")
		assert.ErrorIs(t, err, ErrEmptyMessage)
	})

	t.Run("RejectsUnknownRoom", func(t *testing.T) {
		o, _, _, _, _ := newTestFixture()
		_, err := o.SubmitUserTurn(ctx, "nope", 7, "alice", "hi")
		assert.ErrorIs(t, err, store.ErrRoomNotFound)
	})

	t.Run("PersistsAndEnqueues", func(t *testing.T) {
		o, _, log, _, queue := newTestFixture()
		rec, err := o.SubmitUserTurn(ctx, "room1", 7, "alice", "hello there")
		require.NoError(t, err)

		assert.Equal(t, 1, rec.Floor)
		assert.Equal(t, chatlog.DataTypeUser, rec.DataType)
		assert.True(t, rec.Data.IsUser)
		assert.Equal(t, "hello there", rec.Data.Mes)
		assert.Equal(t, "hello there", rec.MesHTML)
		assert.Equal(t, "September 30, 2025 5:51pm", rec.Data.SendDate)
		assert.Equal(t, []string{"room1"}, queue.roomIDs)
		assert.Len(t, log.rooms["room1"], 1)
	})

	t.Run("EnqueueFailureKeepsTurn", func(t *testing.T) {
		o, _, log, _, queue := newTestFixture()
		queue.err = errors.New("queue down")
		rec, err := o.SubmitUserTurn(ctx, "room1", 7, "alice", "hello")
		require.Error(t, err)
		require.NotNil(t, rec)
		assert.Len(t, log.rooms["room1"], 1, "the user turn outlives the enqueue failure")
	})
}

func TestGenerateReplyDefaultTemplate(t *testing.T) {
	ctx := context.Background()
	o, _, log, gen, _ := newTestFixture()

	_, err := o.SubmitUserTurn(ctx, "room1", 7, "alice", "What do you see?")
	require.NoError(t, err)

	rec, err := o.GenerateReply(ctx, "room1")
	require.NoError(t, err)

	assert.Equal(t, 2, rec.Floor)
	assert.Equal(t, chatlog.DataTypeAI, rec.DataType)
	assert.Equal(t, "Mira", rec.Data.Name)
	assert.Equal(t, "A fine evening for mischief.", rec.Data.Mes)
	assert.Contains(t, rec.MesHTML, "A fine evening for mischief.")
	assert.Len(t, log.rooms["room1"], 2)

	// Opening, history, and the templated latest message all carry the
	// user role here, so the merge collapses everything into one block.
	require.Len(t, gen.blocks, 1)
	block := gen.blocks[0]
	assert.Equal(t, llm.RoleUser, block.Role)
	assert.Contains(t, block.Text, "Mira is a quick-witted rogue.")
	assert.Contains(t, block.Text, "The city of Vell sits on a cliff. Thieves guild rules the docks.")
	assert.Contains(t, block.Text, "roleplaying with alice")
	assert.Contains(t, block.Text, "alice: What do you see?")

	assert.Equal(t, llm.DefaultSampling(), gen.sampling)
}

func TestGenerateReplyAlternatesRoles(t *testing.T) {
	ctx := context.Background()
	o, _, _, gen, _ := newTestFixture()

	submitTurns(t, o, "room1", "first", "second")
	_, err := o.SubmitUserTurn(ctx, "room1", 7, "alice", "third")
	require.NoError(t, err)
	_, err = o.GenerateReply(ctx, "room1")
	require.NoError(t, err)

	for i := 1; i < len(gen.blocks); i++ {
		assert.NotEqual(t, gen.blocks[i-1].Role, gen.blocks[i].Role, "adjacent blocks must alternate roles")
	}
	last := gen.blocks[len(gen.blocks)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Contains(t, last.Text, "third")
}

func TestGenerateReplyHistoryWindow(t *testing.T) {
	ctx := context.Background()
	o, _, log, gen, _ := newTestFixture()

	for i := 1; i <= 8; i++ {
		submitTurns(t, o, "room1", fmt.Sprintf("user message %d", i))
	}
	require.Len(t, log.rooms["room1"], 16)

	_, err := o.SubmitUserTurn(ctx, "room1", 7, "alice", "latest question")
	require.NoError(t, err)
	_, err = o.GenerateReply(ctx, "room1")
	require.NoError(t, err)

	var joined string
	for _, block := range gen.blocks {
		joined += block.Text + "\n"
	}
	assert.Contains(t, joined, "user message 8")
	assert.Contains(t, joined, "user message 5")
	assert.NotContains(t, joined, "user message 3", "turns beyond the history window are dropped")
}

func TestGenerateReplyWithPreset(t *testing.T) {
	ctx := context.Background()
	o, db, _, gen, _ := newTestFixture()

	db.presets["room1"] = &store.Preset{
		RoomID:          "room1",
		Temperature:     0.7,
		TopP:            0.9,
		TopK:            20,
		MaxOutputTokens: 2048,
		PromptJSON: `[
			{"identifier": "main", "role": "system", "content": "Persona: {{character_description}} Player: {{user}}."},
			{"identifier": "chatHistory", "role": "user", "content": ""},
			{"identifier": "jail", "role": "assistant", "content": "Understood, continuing from: {{lastUserMessage}}"}
		]`,
	}

	_, err := o.SubmitUserTurn(ctx, "room1", 7, "alice", "Open the vault.")
	require.NoError(t, err)
	_, err = o.GenerateReply(ctx, "room1")
	require.NoError(t, err)

	require.Len(t, gen.blocks, 2, "system merges into history's user turn, assistant maps to model")
	assert.Equal(t, llm.RoleUser, gen.blocks[0].Role)
	assert.Contains(t, gen.blocks[0].Text, "Persona: Mira is a quick-witted rogue.")
	assert.Contains(t, gen.blocks[0].Text, "Player: alice.")
	assert.Contains(t, gen.blocks[0].Text, "Open the vault.")
	assert.Equal(t, llm.RoleModel, gen.blocks[1].Role)
	assert.Contains(t, gen.blocks[1].Text, "continuing from: Open the vault.")

	assert.Equal(t, 0.7, gen.sampling.Temperature)
	assert.Equal(t, 0.9, gen.sampling.TopP)
	assert.Equal(t, 20, gen.sampling.TopK)
	assert.Equal(t, 2048, gen.sampling.MaxOutputTokens)
}

func TestGenerateReplyUsesLineageRoot(t *testing.T) {
	ctx := context.Background()
	o, db, log, gen, _ := newTestFixture()

	db.rooms["branch1"] = &store.Room{RoomID: "branch1", RoomName: "adventure fork", OwnerID: 9, OwnerName: "bob", CharacterName: "Mira", BranchKind: store.BranchKindBranch}
	db.roots["branch1"] = "room1"
	log.rooms["branch1"] = []chatlog.Record{
		{RoomID: "branch1", Floor: 1, DataType: chatlog.DataTypeUser, Data: chatlog.Payload{Name: "bob", IsUser: true, Mes: "carried over"}},
	}

	rec, err := o.GenerateReply(ctx, "branch1")
	require.NoError(t, err)

	assert.Equal(t, 2, rec.Floor)
	assert.Equal(t, "Mira", rec.Data.Name)
	require.NotEmpty(t, gen.blocks)
	assert.Contains(t, gen.blocks[0].Text, "Mira is a quick-witted rogue.", "character definition resolves through the lineage root")
}

func TestGenerateReplyFailureLeavesHistoryIntact(t *testing.T) {
	ctx := context.Background()
	o, _, log, gen, _ := newTestFixture()

	_, err := o.SubmitUserTurn(ctx, "room1", 7, "alice", "hello?")
	require.NoError(t, err)

	gen.err = errors.New("upstream unavailable")
	_, err = o.GenerateReply(ctx, "room1")
	require.Error(t, err)

	records := log.rooms["room1"]
	require.Len(t, records, 1, "only the user turn is persisted")
	assert.Equal(t, chatlog.DataTypeUser, records[0].DataType)
}

func TestMergeBlocks(t *testing.T) {
	merged := mergeBlocks([]llm.Block{
		{Role: "system", Text: "rules"},
		{Role: "tool", Text: "lookup"},
		{Role: llm.RoleUser, Text: "hi"},
		{Role: "assistant", Text: "hello"},
		{Role: llm.RoleModel, Text: "again"},
		{Role: "", Text: "dropped"},
	})

	require.Len(t, merged, 2)
	assert.Equal(t, llm.RoleUser, merged[0].Role)
	assert.Equal(t, "rules\n\nlookup\n\nhi", merged[0].Text)
	assert.Equal(t, llm.RoleModel, merged[1].Role)
	assert.Equal(t, "hello\n\nagain", merged[1].Text)
}
