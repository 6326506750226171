package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"settld/core/sse"
)

// Head-snapshot response headers spec §4.4 mandates on both SSE routes,
// describing the stream's position at subscribe time.
const (
	headerSettldOrdering         = "X-Settld-Ordering"
	headerSettldDeliveryMode     = "X-Settld-Delivery-Mode"
	headerSettldHeadEventCount   = "X-Settld-Head-Event-Count"
	headerSettldHeadFirstEventID = "X-Settld-Head-First-Event-Id"
	headerSettldHeadLastEventID  = "X-Settld-Head-Last-Event-Id"
	headerSettldSinceEventID     = "X-Settld-Since-Event-Id"
	headerSettldNextSinceEventID = "X-Settld-Next-Since-Event-Id"
)

// writeHeadSnapshotHeaders sets the head-snapshot response headers from
// snap. Must be called before w.WriteHeader.
func writeHeadSnapshotHeaders(w http.ResponseWriter, snap sse.HeadSnapshot) {
	w.Header().Set(headerSettldOrdering, snap.Ordering)
	w.Header().Set(headerSettldDeliveryMode, snap.DeliveryMode)
	w.Header().Set(headerSettldHeadEventCount, fmt.Sprintf("%d", snap.HeadEventCount))
	w.Header().Set(headerSettldHeadFirstEventID, snap.HeadFirstEventID)
	w.Header().Set(headerSettldHeadLastEventID, snap.HeadLastEventID)
	w.Header().Set(headerSettldSinceEventID, snap.SinceEventID)
	w.Header().Set(headerSettldNextSinceEventID, snap.NextSinceEventID)
}

// readyFrame builds the mandatory first frame (session.ready/
// agent_cards.ready) repeating the head snapshot as its JSON body. It never
// bears a cursor id.
func readyFrame(event string, snap sse.HeadSnapshot) sse.Frame {
	return sse.Frame{Event: event, Data: map[string]any{
		"ordering": snap.Ordering, "deliveryMode": snap.DeliveryMode,
		"headEventCount": snap.HeadEventCount, "headFirstEventId": snap.HeadFirstEventID,
		"headLastEventId": snap.HeadLastEventID, "sinceEventId": snap.SinceEventID,
		"nextSinceEventId": snap.NextSinceEventID,
	}}
}

// resolveQueryCursor reads the query-parameter cursor sources spec §4.4
// names (sinceEventId, sinceCursor — aliases for one logical cursor), for
// combination with Last-Event-ID via sse.ResolveCursor.
func resolveQueryCursor(q url.Values) string {
	if v := q.Get("sinceEventId"); v != "" {
		return v
	}
	return q.Get("sinceCursor")
}

// parseFilterSpec builds the sse.FilterSpec spec §4.4's filtering rule
// describes from a stream request's query parameters.
func parseFilterSpec(q url.Values) sse.FilterSpec {
	spec := sse.FilterSpec{
		EventType:  q.Get("eventType"),
		Runtime:    q.Get("runtime"),
		Capability: q.Get("capability"),
		ToolID:     q.Get("toolId"),
	}
	if v := q.Get("toolSideEffecting"); v != "" {
		b := v == "true"
		spec.ToolSideEffecting = &b
	}
	return spec
}

// writeSSEFrame renders one RFC 8895 text/event-stream frame: event/id/data
// lines terminated by a blank line. Malformed payloads are never silently
// dropped — a marshal failure still sends an event so the client's cursor
// advances, with `data: {}` in place of the payload.
func writeSSEFrame(w io.Writer, frame sse.Frame) {
	if frame.Event != "" {
		fmt.Fprintf(w, "event: %s\n", frame.Event)
	}
	if frame.ID != "" {
		fmt.Fprintf(w, "id: %s\n", frame.ID)
	}
	data, err := json.Marshal(frame.Data)
	if err != nil {
		fmt.Fprint(w, "data: {}\n\n")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// writeSSEComment sends a comment-line keep-alive frame.
func writeSSEComment(w io.Writer, text string) {
	fmt.Fprintf(w, ": %s\n\n", text)
}
