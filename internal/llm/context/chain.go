package context

import "github.com/aixgo-dev/promptly/pkg/session"

// Chain returns the path from the session root to the node leafID, root
// first, following parent links through nodes. The walk stops at a missing
// parent or at the first repeated node, so cycles cannot loop forever.
func Chain(nodes []*session.Node, leafID string) []*session.Node {
	byID := make(map[string]*session.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	var chain []*session.Node
	visited := make(map[string]bool)
	for id := leafID; id != ""; {
		n, ok := byID[id]
		if !ok || visited[id] {
			break
		}
		visited[id] = true
		chain = append(chain, n)
		id = n.ParentID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Turns converts nodes into context turns.
func Turns(nodes []*session.Node) []Turn {
	turns := make([]Turn, len(nodes))
	for i, n := range nodes {
		turns[i] = Turn{Role: n.Role, Type: n.Type, Content: n.Content}
	}
	return turns
}
