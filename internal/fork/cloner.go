// Package fork creates independent branches of existing rooms: a new room
// identity, the history prefix up to a cut floor, a deep copy of the
// character definition, and the lineage records tying the branch to its
// ancestry.
package fork

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatbranch/internal/chatlog"
	"github.com/chatbranch/internal/store"
)

// roomIDLength is the truncated hex length of content-derived room ids.
const roomIDLength = 16

var (
	ErrInvalidCutFloor = errors.New("cut floor must be at least 1")
	ErrMissingUser     = errors.New("requesting user is required")
)

// Relational is the transactional metadata store a fork writes to.
type Relational interface {
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
	GetCharacterByRoom(ctx context.Context, roomID string) (*store.CharacterCard, error)
	CreateBranch(ctx context.Context, branch *store.Branch) (*store.ForkTrace, error)
}

// MessageLog is the document store the history prefix is copied in.
type MessageLog interface {
	CopyPrefix(ctx context.Context, srcRoomID, dstRoomID string, cutFloor int, rewrite func(*chatlog.Record)) (int, error)
}

// Request describes one fork action.
type Request struct {
	SourceRoomID string
	CutFloor     int
	UserID       int64
	UserName     string
	TargetID     int64
	Title        string
	Describe     string
}

// Result identifies the created branch. Callers re-fetch content through
// the normal read paths; the fork response stays small.
type Result struct {
	RoomID string `json:"new_room_id"`
}

// Cloner orchestrates branch creation.
type Cloner struct {
	db     Relational
	log    MessageLog
	logger zerolog.Logger

	// now is swappable for tests; the room id hash includes it.
	now func() time.Time
}

// NewCloner creates a branch cloner over the two stores.
func NewCloner(db Relational, log MessageLog, logger zerolog.Logger) *Cloner {
	return &Cloner{db: db, log: log, logger: logger, now: time.Now}
}

// newRoomID derives a branch room id from who forks, which character, and
// when. The timestamp salt makes collisions practically impossible even for
// the same user forking the same character repeatedly; the store's unique
// constraint stays the authoritative guard.
func newRoomID(userID int64, characterName string, at time.Time) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("branch_%d_%s_%d", userID, characterName, at.UnixNano())))
	return hex.EncodeToString(sum[:])[:roomIDLength]
}

// Fork cuts the source room at the requested floor and creates a new,
// independently owned branch. Relational writes happen in one transaction;
// the history copy is idempotent per target room id so a retried fork can
// re-copy safely after a partial failure.
func (c *Cloner) Fork(ctx context.Context, req Request) (*Result, error) {
	if req.CutFloor < 1 {
		return nil, ErrInvalidCutFloor
	}
	if req.UserID == 0 {
		return nil, ErrMissingUser
	}

	parent, err := c.db.GetRoom(ctx, req.SourceRoomID)
	if err != nil {
		return nil, err
	}
	card, err := c.db.GetCharacterByRoom(ctx, req.SourceRoomID)
	if err != nil {
		return nil, err
	}

	roomID := newRoomID(req.UserID, card.CharacterName, c.now())

	room := &store.Room{
		RoomID:           roomID,
		RoomName:         parent.RoomName,
		OwnerID:          req.UserID,
		OwnerName:        req.UserName,
		CharacterName:    card.CharacterName,
		CharacterVersion: parent.CharacterVersion,
		BranchKind:       store.BranchKindBranch,
		RoomType:         parent.RoomType,
		IsPublic:         parent.IsPublic,
		Title:            req.Title,
		Describe:         req.Describe,
	}
	// A private character forces the branch off the public feed no matter
	// what the parent was set to.
	if card.IsPrivate {
		room.IsPublic = false
	}

	copiedCard := &store.CharacterCard{
		RoomID:        roomID,
		OwnerID:       req.UserID,
		OwnerName:     req.UserName,
		CharacterName: card.CharacterName,
		CharacterData: card.CharacterData,
		IsPrivate:     card.IsPrivate,
	}

	relation := &store.ForkRelation{
		FromUserID:   req.UserID,
		FromUserName: req.UserName,
		TargetID:     req.TargetID,
		SourceRoomID: req.SourceRoomID,
		CutFloor:     req.CutFloor,
	}

	trace, err := c.db.CreateBranch(ctx, &store.Branch{
		Room:     room,
		Card:     copiedCard,
		Relation: relation,
		Parent:   parent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create branch of room %s: %w", req.SourceRoomID, err)
	}

	// Copied turns are re-attributed to the branch owner: the branch is an
	// independently owned conversation, not a shared view of the parent's.
	copied, err := c.log.CopyPrefix(ctx, req.SourceRoomID, roomID, req.CutFloor, func(rec *chatlog.Record) {
		rec.OwnerID = req.UserID
		rec.OwnerName = req.UserName
		rec.RoomName = room.RoomName
		if rec.Data.IsUser {
			rec.Data.Name = req.UserName
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to copy history into room %s (retry is safe): %w", roomID, err)
	}

	c.logger.Info().
		Str("source_room", req.SourceRoomID).
		Str("new_room", roomID).
		Str("lineage_source", trace.SourceRoomID).
		Int("cut_floor", req.CutFloor).
		Int("copied", copied).
		Msg("forked room")

	return &Result{RoomID: roomID}, nil
}
