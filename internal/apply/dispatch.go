package apply

import (
	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/storage/canonical"
	"github.com/cuemby/entdb/internal/txn"
)

// CreatedNode pairs a freshly created node with the operation that
// created it, so a caller can plan mailbox fanout afterward.
type CreatedNode struct {
	Node graph.Node
	Op   txn.Operation
}

// ApplyOps dispatches every operation of one TransactionEvent against
// tx in order, resolving aliases as it goes. This is the single
// implementation of EntDB's operation semantics: both the applier and
// the restore tool's archive replay call it, so a commit produced by
// restore is byte-identical to one produced by live apply (EntDB
// §4.T "apply ... using the same operation semantics as the
// applier").
func ApplyOps(tx *canonical.EventTx, tenantID string, ops []txn.Operation, tsMs int64, aliases txn.AliasMap) ([]CreatedNode, error) {
	var created []CreatedNode

	for _, op := range ops {
		switch op.Kind {
		case txn.OpCreateNode:
			node, err := tx.CreateNode(buildNode(tenantID, op, tsMs))
			if err != nil {
				return created, err
			}
			aliases.Record(op.Alias, node.NodeID)
			created = append(created, CreatedNode{Node: node, Op: op})

		case txn.OpUpdateNode:
			nodeID, ok := aliases.Resolve(op.NodeRef)
			if !ok {
				return created, entdberr.New(entdberr.InvalidArgument, "unresolved alias in update_node")
			}
			if _, _, err := tx.UpdateNode(nodeID, op.Patch, tsMs); err != nil {
				return created, err
			}

		case txn.OpDeleteNode:
			nodeID, ok := aliases.Resolve(op.NodeRef)
			if !ok {
				return created, entdberr.New(entdberr.InvalidArgument, "unresolved alias in delete_node")
			}
			if _, err := tx.DeleteNode(nodeID); err != nil {
				return created, err
			}

		case txn.OpCreateEdge:
			fromID, ok := aliases.Resolve(op.FromRef)
			if !ok {
				return created, entdberr.New(entdberr.InvalidArgument, "unresolved alias in create_edge.from")
			}
			toID, ok := aliases.Resolve(op.ToRef)
			if !ok {
				return created, entdberr.New(entdberr.InvalidArgument, "unresolved alias in create_edge.to")
			}
			if _, err := tx.CreateEdge(buildEdge(tenantID, op, fromID, toID, tsMs)); err != nil {
				return created, err
			}

		case txn.OpDeleteEdge:
			fromID, ok := aliases.Resolve(op.FromRef)
			if !ok {
				return created, entdberr.New(entdberr.InvalidArgument, "unresolved alias in delete_edge.from")
			}
			toID, ok := aliases.Resolve(op.ToRef)
			if !ok {
				return created, entdberr.New(entdberr.InvalidArgument, "unresolved alias in delete_edge.to")
			}
			if err := tx.DeleteEdge(op.EdgeTypeID, fromID, toID); err != nil {
				return created, err
			}

		default:
			return created, entdberr.New(entdberr.InvalidArgument, "unknown operation kind: "+string(op.Kind))
		}
	}
	return created, nil
}
