package chat

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRoomInactive = errors.New("room is inactive")
	ErrRoomFull     = errors.New("room is full")
	ErrRoomExists   = errors.New("room already exists")
	ErrNotJoined    = errors.New("join the room first")
	ErrInvalidEvent = errors.New("invalid event")
	ErrInvalidName  = errors.New("invalid room name")
	ErrForbidden    = errors.New("forbidden")
	ErrShuttingDown = errors.New("server is shutting down")
)
