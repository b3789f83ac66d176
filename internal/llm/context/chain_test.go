package context

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aixgo-dev/promptly/pkg/session"
)

func node(id, parent string) *session.Node {
	return &session.Node{ID: id, ParentID: parent, Role: session.RoleUser, Type: session.NodeAnswer, Content: id}
}

func ids(nodes []*session.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestChain(t *testing.T) {
	nodes := []*session.Node{node("root", ""), node("a", "root"), node("b", "a"), node("c", "b"), node("stray", "a")}

	assert.Equal(t, []string{"root", "a", "b", "c"}, ids(Chain(nodes, "c")))
	assert.Equal(t, []string{"root", "a", "stray"}, ids(Chain(nodes, "stray")))
	assert.Equal(t, []string{"root"}, ids(Chain(nodes, "root")))
	assert.Empty(t, Chain(nodes, "missing"))
}

func TestChain_Cycle(t *testing.T) {
	nodes := []*session.Node{node("a", "c"), node("b", "a"), node("c", "b")}
	assert.Equal(t, []string{"a", "b", "c"}, ids(Chain(nodes, "c")))
}

func TestChain_MissingParent(t *testing.T) {
	nodes := []*session.Node{node("b", "gone"), node("c", "b")}
	assert.Equal(t, []string{"b", "c"}, ids(Chain(nodes, "c")))
}

func TestTurns(t *testing.T) {
	turns := Turns([]*session.Node{node("x", "")})
	assert.Equal(t, []Turn{{Role: session.RoleUser, Type: session.NodeAnswer, Content: "x"}}, turns)
}
