package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/number0/blueocean-plugin/internal/flow"
)

func TestClassify(t *testing.T) {
	structural := NewClassifier(SingleBranchStructural, nil)
	collapse := NewClassifier(SingleBranchCollapse, nil)

	tests := []struct {
		name string
		c    *Classifier
		node flow.Node
		ctx  Context
		want NodeType
	}{
		{name: "labeled stage", c: structural, node: flow.Node{Function: "stage", Name: "Build"}, want: NodeTypeStage},
		{name: "label action wins", c: structural, node: flow.Node{Function: "stage", Name: "Stage : Start", Label: "Build"}, want: NodeTypeStage},
		{name: "marker is case insensitive", c: structural, node: flow.Node{Function: "Stage", Name: "Build"}, want: NodeTypeStage},
		{name: "unlabeled stage block", c: structural, node: flow.Node{Function: "stage"}, want: NodeTypeStep},
		{name: "plain step", c: structural, node: flow.Node{Function: "sh", Name: "make"}, want: NodeTypeStep},
		{name: "unknown marker", c: structural, node: flow.Node{Function: "frobnicate"}, want: NodeTypeStep},
		{name: "branch", c: structural, node: flow.Node{ThreadName: "unit"}, want: NodeTypeParallel},
		{name: "inherited branch label", c: structural, node: flow.Node{ThreadName: "unit"}, ctx: Context{BranchLabel: "unit"}, want: NodeTypeStep},
		{name: "nested branch", c: structural, node: flow.Node{ThreadName: "unit-fast"}, ctx: Context{BranchLabel: "unit"}, want: NodeTypeParallel},
		{name: "parallel stage", c: structural, node: flow.Node{Function: "stage", Name: "linux", ThreadName: "linux"}, want: NodeTypeParallel},
		{name: "single branch structural", c: structural, node: flow.Node{ThreadName: "only"}, ctx: Context{LabeledSiblings: 1}, want: NodeTypeParallel},
		{name: "single branch collapsed", c: collapse, node: flow.Node{ThreadName: "only"}, ctx: Context{LabeledSiblings: 1}, want: NodeTypeStep},
		{name: "single fork kept", c: collapse, node: flow.Node{ThreadName: "only", Fork: true}, ctx: Context{LabeledSiblings: 1}, want: NodeTypeParallel},
		{name: "collapse with siblings", c: collapse, node: flow.Node{ThreadName: "a"}, ctx: Context{LabeledSiblings: 2}, want: NodeTypeParallel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.Classify(tt.node, tt.ctx))
		})
	}
}

func TestCustomStageMarkers(t *testing.T) {
	c := NewClassifier(SingleBranchStructural, []string{"phase", " Step "})
	assert.Equal(t, NodeTypeStage, c.Classify(flow.Node{Function: "phase", Name: "Build"}, Context{}))
	assert.Equal(t, NodeTypeStage, c.Classify(flow.Node{Function: "step", Name: "Build"}, Context{}))
	assert.Equal(t, NodeTypeStep, c.Classify(flow.Node{Function: "stage", Name: "Build"}, Context{}))
}

func TestParseSingleBranchPolicy(t *testing.T) {
	p, err := ParseSingleBranchPolicy("")
	require.NoError(t, err)
	assert.Equal(t, SingleBranchStructural, p)

	p, err = ParseSingleBranchPolicy(" Collapse ")
	require.NoError(t, err)
	assert.Equal(t, SingleBranchCollapse, p)

	_, err = ParseSingleBranchPolicy("merge")
	assert.Error(t, err)
}

func TestCollapsePolicyBuild(t *testing.T) {
	nodes := []flow.Node{
		{ID: "1", Name: "Test", Function: "stage", StartTime: at(0)},
		{ID: "2", Name: "Branch: solo", ThreadName: "solo", Parents: []string{"1"}, StartTime: at(1)},
		{ID: "3", Name: "run", ThreadName: "solo", Parents: []string{"2"}, StartTime: at(2), EndTime: ended(3)},
	}

	structural := NewBuilder().Build(nodes)
	assert.Equal(t, "root[Test[solo[run]]]", shape(structural.Root))

	collapsed := NewBuilder(WithClassifier(NewClassifier(SingleBranchCollapse, nil))).Build(nodes)
	assert.Equal(t, "root[Test[Branch: solo,run]]", shape(collapsed.Root))
	n, _ := collapsed.Node("2")
	assert.Equal(t, NodeTypeStep, n.Type)

	nodes[1].Fork = true
	forked := NewBuilder(WithClassifier(NewClassifier(SingleBranchCollapse, nil))).Build(nodes)
	assert.Equal(t, "root[Test[solo[run]]]", shape(forked.Root))
}
