package browser

import (
	"healnerd/internal/candidate"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// buildAXTree turns the flat CDP node list into a candidate tree. Ignored
// nodes keep their place in the tree but lose role and name, so their
// children are still walked. Several roots (frames) hang under one
// anonymous root.
func buildAXTree(nodes []*proto.AccessibilityAXNode) *candidate.Node {
	if len(nodes) == 0 {
		return nil
	}

	byID := make(map[proto.AccessibilityAXNodeID]*proto.AccessibilityAXNode, len(nodes))
	for _, n := range nodes {
		if n != nil {
			byID[n.NodeID] = n
		}
	}

	seen := make(map[proto.AccessibilityAXNodeID]bool, len(nodes))
	var build func(n *proto.AccessibilityAXNode) *candidate.Node
	build = func(n *proto.AccessibilityAXNode) *candidate.Node {
		seen[n.NodeID] = true
		out := &candidate.Node{}
		if !n.Ignored {
			out.Role = axString(n.Role)
			out.Name = axString(n.Name)
		}
		for _, id := range n.ChildIDs {
			child, ok := byID[id]
			if !ok || seen[id] {
				continue
			}
			out.Children = append(out.Children, build(child))
		}
		return out
	}

	var roots []*candidate.Node
	for _, n := range nodes {
		if n == nil || seen[n.NodeID] {
			continue
		}
		if _, hasParent := byID[n.ParentID]; hasParent && n.ParentID != "" {
			continue
		}
		roots = append(roots, build(n))
	}

	if len(roots) == 1 {
		return roots[0]
	}
	return &candidate.Node{Children: roots}
}

func axString(v *proto.AccessibilityAXValue) string {
	if v == nil {
		return ""
	}
	return jsonString(v.Value)
}

// jsonString renders a CDP value as text; JSON strings lose their quotes.
func jsonString(j gson.JSON) string {
	if j.Nil() {
		return ""
	}
	if s, ok := j.Val().(string); ok {
		return s
	}
	return j.String()
}
