package browser

import (
	"testing"

	"healnerd/internal/candidate"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

func axValue(s string) *proto.AccessibilityAXValue {
	return &proto.AccessibilityAXValue{Type: proto.AccessibilityAXValueTypeString, Value: gson.New(s)}
}

func TestBuildAXTreeNestsChildren(t *testing.T) {
	nodes := []*proto.AccessibilityAXNode{
		{NodeID: "1", Role: axValue("RootWebArea"), Name: axValue("Login"), ChildIDs: []proto.AccessibilityAXNodeID{"2", "3"}},
		{NodeID: "2", ParentID: "1", Ignored: true, Role: axValue("generic"), ChildIDs: []proto.AccessibilityAXNodeID{"4"}},
		{NodeID: "3", ParentID: "1", Role: axValue("link"), Name: axValue("Help")},
		{NodeID: "4", ParentID: "2", Role: axValue("button"), Name: axValue("Log In")},
	}

	root := buildAXTree(nodes)
	require.NotNil(t, root)
	assert.Equal(t, "RootWebArea", root.Role)
	require.Len(t, root.Children, 2)
	assert.Empty(t, root.Children[0].Role, "ignored node keeps no role")
	require.Len(t, root.Children[0].Children, 1)
	assert.Equal(t, "button", root.Children[0].Children[0].Role)

	cands := candidate.Collect(root)
	assert.Equal(t, []candidate.Candidate{
		{Role: "RootWebArea", Name: "Login"},
		{Role: "button", Name: "Log In"},
		{Role: "link", Name: "Help"},
	}, cands)
}

func TestBuildAXTreeMultipleRoots(t *testing.T) {
	nodes := []*proto.AccessibilityAXNode{
		{NodeID: "1", Role: axValue("RootWebArea")},
		{NodeID: "9", Role: axValue("RootWebArea"), ChildIDs: []proto.AccessibilityAXNodeID{"10"}},
		{NodeID: "10", ParentID: "9", Role: axValue("textbox"), Name: axValue("Email")},
	}

	root := buildAXTree(nodes)
	require.NotNil(t, root)
	assert.Empty(t, root.Role)
	assert.Len(t, root.Children, 2)
}

func TestBuildAXTreeEmpty(t *testing.T) {
	assert.Nil(t, buildAXTree(nil))
}

func TestBuildAXTreeSurvivesCycles(t *testing.T) {
	nodes := []*proto.AccessibilityAXNode{
		{NodeID: "1", Role: axValue("RootWebArea"), ChildIDs: []proto.AccessibilityAXNodeID{"2"}},
		{NodeID: "2", ParentID: "1", Role: axValue("button"), Name: axValue("Go"), ChildIDs: []proto.AccessibilityAXNodeID{"1"}},
	}
	root := buildAXTree(nodes)
	require.NotNil(t, root)
	require.Len(t, root.Children, 1)
	assert.Empty(t, root.Children[0].Children)
}

func TestAXStringValues(t *testing.T) {
	assert.Equal(t, "", axString(nil))
	assert.Equal(t, "Sign In", axString(axValue("Sign In")))
	assert.Equal(t, "3", axString(&proto.AccessibilityAXValue{Value: gson.New(3)}))
}

func TestSelectorKind(t *testing.T) {
	cases := []struct {
		raw, kind, sel string
	}{
		{"#sign-in", "css", "#sign-in"},
		{"css=button.primary", "css", "button.primary"},
		{"xpath=//button[1]", "xpath", "//button[1]"},
		{"//form//input", "xpath", "//form//input"},
		{"(//a)[2]", "xpath", "(//a)[2]"},
	}
	for _, tc := range cases {
		kind, sel := selectorKind(tc.raw)
		assert.Equal(t, tc.kind, kind, tc.raw)
		assert.Equal(t, tc.sel, sel, tc.raw)
	}
}

func TestStringifyConsoleArgs(t *testing.T) {
	args := []*proto.RuntimeRemoteObject{
		{Type: proto.RuntimeRemoteObjectTypeString, Value: gson.New("failed to load")},
		nil,
		{Type: proto.RuntimeRemoteObjectTypeObject, Description: "Error: boom"},
	}
	assert.Equal(t, "failed to load Error: boom", stringifyConsoleArgs(args))
}
