package sse

import "settld/core/store"

// CursorError is returned when the client's resume cursor can't be honored.
type CursorError struct {
	Code       string // SESSION_EVENT_CURSOR_CONFLICT | SESSION_EVENT_CURSOR_INVALID | SCHEMA_INVALID
	ReasonCode string // e.g. SESSION_EVENT_CURSOR_NOT_FOUND, set on SESSION_EVENT_CURSOR_INVALID
}

func (e *CursorError) Error() string { return "sse: " + e.Code }

// ResolveCursor picks the resume cursor from Last-Event-ID or a query
// parameter, rejecting a request that sets both with
// SESSION_EVENT_CURSOR_CONFLICT. It does not check the cursor's format or
// that it names an existing event.
func ResolveCursor(lastEventIDHeader, queryCursor string) (string, error) {
	if lastEventIDHeader != "" && queryCursor != "" {
		return "", &CursorError{Code: "SESSION_EVENT_CURSOR_CONFLICT"}
	}
	if lastEventIDHeader != "" {
		return lastEventIDHeader, nil
	}
	return queryCursor, nil
}

// HeadSnapshot is the response-header/ready-frame payload describing where
// the stream stands at subscribe time.
type HeadSnapshot struct {
	Ordering         string
	DeliveryMode     string
	HeadEventCount   int64
	HeadFirstEventID string
	HeadLastEventID  string
	SinceEventID     string
	NextSinceEventID string
}

// BuildSessionHeadSnapshot returns the head snapshot plus the effective
// starting point for event replay. The caller is responsible for resolving
// cursor against the stream first (via store.GetSessionEvent) and mapping
// a store.NotFoundError into SESSION_EVENT_CURSOR_INVALID /
// SESSION_EVENT_CURSOR_NOT_FOUND before calling this; the one case this
// function itself rejects is a non-empty cursor against a stream that has
// never had any events.
func BuildSessionHeadSnapshot(head *store.StreamHead, firstEventID string, cursor string) (HeadSnapshot, error) {
	return buildHeadSnapshot("SESSION_SEQ_ASC", head.EventCount, firstEventID, head.LastEventID, cursor)
}

// BuildAgentCardsHeadSnapshot is BuildSessionHeadSnapshot's card-stream
// analogue. Agent cards have no chained stream to read an authoritative
// store.StreamHead from (core/store.ListAgentCards is tenant-scoped, and the
// public card topic spans tenants), so the caller passes the broadcaster's
// own running per-topic counters (Broadcaster.Head) instead.
func BuildAgentCardsHeadSnapshot(count int64, firstID, lastID, cursor string) (HeadSnapshot, error) {
	return buildHeadSnapshot("UPDATED_AT_ASC", count, firstID, lastID, cursor)
}

func buildHeadSnapshot(ordering string, count int64, firstID, lastID, cursor string) (HeadSnapshot, error) {
	if cursor != "" && count == 0 {
		return HeadSnapshot{}, &CursorError{Code: "SESSION_EVENT_CURSOR_INVALID", ReasonCode: "SESSION_EVENT_CURSOR_NOT_FOUND"}
	}
	next := lastID
	if cursor != "" {
		next = cursor
	}
	return HeadSnapshot{
		Ordering: ordering, DeliveryMode: "resume_then_tail",
		HeadEventCount: count, HeadFirstEventID: firstID, HeadLastEventID: lastID,
		SinceEventID: cursor, NextSinceEventID: next,
	}, nil
}
