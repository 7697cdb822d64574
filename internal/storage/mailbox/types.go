// Package mailbox implements the per-(tenant, user) embedded database
// of EntDB §4.M: a fanout inbox with an FTS5 full-text index over
// item snippets.
package mailbox

// Item is one row of a user's mailbox.
type Item struct {
	ItemID       string         `json:"item_id"`
	RefID        string         `json:"ref_id"`
	SourceTypeID int            `json:"source_type_id"`
	SourceNodeID string         `json:"source_node_id"`
	ThreadID     string         `json:"thread_id"`
	TsMs         int64          `json:"ts"`
	State        map[string]any `json:"state"`
	Snippet      string         `json:"snippet"`
	Metadata     map[string]any `json:"metadata"`
}

// ListFilter narrows ListItems results.
type ListFilter struct {
	ThreadID     string
	SourceTypeID *int
	UnreadOnly   bool
}

// SearchResult pairs a matched Item with a highlight string produced
// by the FTS engine's snippet() function.
type SearchResult struct {
	Item      Item   `json:"item"`
	Highlight string `json:"highlight"`
}
