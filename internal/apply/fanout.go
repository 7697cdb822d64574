package apply

import (
	"strings"

	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/storage/mailbox"
	"github.com/cuemby/entdb/internal/txn"
)

// maxSnippetLen bounds a fanned-out mailbox snippet (EntDB §4.A
// fanout rule: "truncated to 1,000 characters").
const maxSnippetLen = 1000

// snippetFieldOrder is the fixed order in which a node's present string
// fields are joined into its mailbox snippet.
var snippetFieldOrder = []string{"title", "name", "subject", "content", "body", "text", "description"}

type pendingFanout struct {
	recipient string
	item      mailbox.Item
}

// planFanout computes the mailbox items a create_node operation fans
// out to: the union of op.FanoutTo and every "user:"-prefixed ACL
// principal of the node (EntDB §4.A "Fanout rule").
func planFanout(node graph.Node, op txn.Operation, tsMs int64) []pendingFanout {
	recipients := make(map[string]bool)
	for _, r := range op.FanoutTo {
		recipients[r] = true
	}
	for _, entry := range node.ACL {
		if strings.HasPrefix(entry.Principal, "user:") {
			recipients[entry.Principal] = true
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	snippet := extractSnippet(node.Payload)
	out := make([]pendingFanout, 0, len(recipients))
	for r := range recipients {
		out = append(out, pendingFanout{
			recipient: r,
			item: mailbox.Item{
				SourceTypeID: node.TypeID,
				SourceNodeID: node.NodeID,
				TsMs:         tsMs,
				Snippet:      snippet,
			},
		})
	}
	return out
}

func extractSnippet(payload map[string]any) string {
	var parts []string
	for _, field := range snippetFieldOrder {
		if s, ok := payload[field].(string); ok {
			parts = append(parts, s)
		}
	}
	snippet := strings.Join(parts, " ")
	if r := []rune(snippet); len(r) > maxSnippetLen {
		snippet = string(r[:maxSnippetLen])
	}
	return snippet
}

func buildNode(tenantID string, op txn.Operation, tsMs int64) graph.Node {
	return graph.Node{
		TenantID:    tenantID,
		NodeID:      op.NodeID,
		TypeID:      op.TypeID,
		Payload:     op.Payload,
		OwnerActor:  op.OwnerActor,
		ACL:         op.ACL,
		CreatedAtMs: tsMs,
		UpdatedAtMs: tsMs,
	}
}

func buildEdge(tenantID string, op txn.Operation, fromID, toID string, tsMs int64) graph.Edge {
	return graph.Edge{
		TenantID:    tenantID,
		EdgeTypeID:  op.EdgeTypeID,
		FromNodeID:  fromID,
		ToNodeID:    toID,
		Props:       op.Props,
		CreatedAtMs: tsMs,
	}
}
