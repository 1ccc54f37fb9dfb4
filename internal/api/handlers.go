package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/chatbranch/internal/chatlog"
	"github.com/chatbranch/internal/fork"
	"github.com/chatbranch/internal/store"
	"github.com/chatbranch/internal/turn"
)

type forkRequest struct {
	SourceRoomID string `json:"source_room_id"`
	CutFloor     *int   `json:"cut_floor"`
	TargetID     int64  `json:"target_id"`
	Title        string `json:"title"`
	Describe     string `json:"describe"`
}

// forkRoom creates a branch of an existing room at the requested floor.
func (s *Server) forkRoom(c echo.Context) error {
	user := CurrentUser(c)
	if user == nil {
		return respondError(c, http.StatusUnauthorized, "authentication required")
	}

	var req forkRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.SourceRoomID == "" {
		return respondError(c, http.StatusBadRequest, "source_room_id is required")
	}
	if req.CutFloor == nil {
		return respondError(c, http.StatusBadRequest, "cut_floor is required")
	}

	result, err := s.forker.Fork(c.Request().Context(), fork.Request{
		SourceRoomID: req.SourceRoomID,
		CutFloor:     *req.CutFloor,
		UserID:       user.ID,
		UserName:     user.Name,
		TargetID:     req.TargetID,
		Title:        req.Title,
		Describe:     req.Describe,
	})
	if err != nil {
		switch {
		case errors.Is(err, fork.ErrInvalidCutFloor):
			return respondError(c, http.StatusBadRequest, "cut_floor must be at least 1")
		case errors.Is(err, store.ErrRoomNotFound):
			return respondError(c, http.StatusNotFound, "room not found")
		}
		s.logger.Error().Err(err).Str("source_room_id", req.SourceRoomID).Msg("fork failed")
		return respondError(c, http.StatusInternalServerError, "fork failed")
	}

	return respondOK(c, result)
}

type previewRoomInfo struct {
	OwnerID       int64  `json:"uid"`
	OwnerName     string `json:"user_name"`
	RoomID        string `json:"room_id"`
	RoomName      string `json:"room_name"`
	Title         string `json:"title"`
	Describe      string `json:"describe"`
	CharacterName string `json:"character_name,omitempty"`
}

type historyEntry struct {
	Floor    int             `json:"floor"`
	DataType string          `json:"data_type"`
	Data     chatlog.Payload `json:"data"`
	MesHTML  string          `json:"mes_html"`
}

// forkPreview returns the room info and the history prefix a fork at
// last_floor would carry over.
func (s *Server) forkPreview(c echo.Context) error {
	roomID := c.QueryParam("room_id")
	if roomID == "" {
		return respondError(c, http.StatusBadRequest, "room_id is required")
	}
	lastFloor, err := strconv.Atoi(c.QueryParam("last_floor"))
	if err != nil || lastFloor < 1 {
		return respondError(c, http.StatusBadRequest, "last_floor must be an integer >= 1")
	}

	ctx := c.Request().Context()
	room, err := s.db.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return respondError(c, http.StatusNotFound, "room not found")
		}
		s.logger.Error().Err(err).Str("room_id", roomID).Msg("failed to load room")
		return respondError(c, http.StatusInternalServerError, "failed to load room")
	}

	info := previewRoomInfo{
		OwnerID:   room.OwnerID,
		OwnerName: room.OwnerName,
		RoomID:    room.RoomID,
		RoomName:  room.RoomName,
		Title:     room.Title,
		Describe:  room.Describe,
	}
	if card, err := s.db.GetCharacterByRoom(ctx, roomID); err == nil {
		info.CharacterName = card.CharacterName
	}

	records, err := s.log.History(ctx, roomID, 0)
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", roomID).Msg("failed to read history")
		return respondError(c, http.StatusInternalServerError, "failed to read history")
	}

	chatInfo := make([]historyEntry, 0, lastFloor)
	for _, rec := range records {
		if rec.Floor > lastFloor {
			break
		}
		chatInfo = append(chatInfo, historyEntry{
			Floor:    rec.Floor,
			DataType: rec.DataType,
			Data:     rec.Data,
			MesHTML:  rec.MesHTML,
		})
	}

	return respondOK(c, map[string]interface{}{
		"room_info": info,
		"chat_info": chatInfo,
	})
}

// forkRelations lists fork audit rows, newest first.
func (s *Server) forkRelations(c echo.Context) error {
	page, pageSize := pagination(c)

	relations, total, err := s.db.ListRelations(c.Request().Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list fork relations")
		return respondError(c, http.StatusInternalServerError, "failed to list fork relations")
	}

	return respondOK(c, map[string]interface{}{
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"relations": relations,
	})
}

type turnRequest struct {
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
}

// submitTurn persists a user turn and acknowledges; the reply is generated
// asynchronously and shows up on the next history poll.
func (s *Server) submitTurn(c echo.Context) error {
	user := CurrentUser(c)
	if user == nil {
		return respondError(c, http.StatusUnauthorized, "authentication required")
	}

	var req turnRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.RoomID == "" {
		return respondError(c, http.StatusBadRequest, "room_id is required")
	}

	rec, err := s.chat.SubmitUserTurn(c.Request().Context(), req.RoomID, user.ID, user.Name, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, turn.ErrEmptyMessage):
			return respondError(c, http.StatusBadRequest, "text must not be empty")
		case errors.Is(err, store.ErrRoomNotFound):
			return respondError(c, http.StatusNotFound, "room not found")
		}
		s.logger.Error().Err(err).Str("room_id", req.RoomID).Msg("turn submission failed")
		return respondError(c, http.StatusInternalServerError, "turn submission failed")
	}

	return respondOK(c, historyEntry{
		Floor:    rec.Floor,
		DataType: rec.DataType,
		Data:     rec.Data,
		MesHTML:  rec.MesHTML,
	})
}

// chatHistory returns the turns after last_floor, oldest first. Clients
// poll with their last-seen floor.
func (s *Server) chatHistory(c echo.Context) error {
	roomID := c.QueryParam("room_id")
	if roomID == "" {
		return respondError(c, http.StatusBadRequest, "room_id is required")
	}
	lastFloor := 0
	if raw := c.QueryParam("last_floor"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return respondError(c, http.StatusBadRequest, "last_floor must be a non-negative integer")
		}
		lastFloor = parsed
	}

	records, err := s.log.History(c.Request().Context(), roomID, lastFloor)
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", roomID).Msg("failed to read history")
		return respondError(c, http.StatusInternalServerError, "failed to read history")
	}

	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, historyEntry{
			Floor:    rec.Floor,
			DataType: rec.DataType,
			Data:     rec.Data,
			MesHTML:  rec.MesHTML,
		})
	}

	return respondOK(c, entries)
}

func pagination(c echo.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(c.QueryParam("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return page, pageSize
}
