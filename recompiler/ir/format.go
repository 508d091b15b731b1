package ir

import (
	"fmt"
	"strings"

	"github.com/xlab/treeprint"
)

// Format renders g as a text listing. Register names come from b when it is
// not nil.
func Format(b *Backend, g *Graph) string {
	name := func(r Register) string { return fmt.Sprintf("$%d", r) }
	if b != nil {
		name = b.RegisterName
	}
	var sb strings.Builder
	for _, blk := range g.Blocks {
		fmt.Fprintf(&sb, "block%d:\n", blk.Label)
		for i := blk.Head; i != nil; i = i.Next {
			fmt.Fprintf(&sb, "    %s\n", i.Format(name))
		}
	}
	return sb.String()
}

// Tree renders the control flow of g starting at block 0. A block reached a
// second time is shown as a reference.
func Tree(b *Backend, g *Graph) treeprint.Tree {
	name := func(r Register) string { return fmt.Sprintf("$%d", r) }
	if b != nil {
		name = b.RegisterName
	}
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("graph: %d blocks, %d vars", len(g.Blocks), g.NrVars))
	if len(g.Blocks) == 0 {
		return tree
	}
	seen := make(map[int]bool)
	var walk func(parent treeprint.Tree, label int, edge string)
	walk = func(parent treeprint.Tree, label int, edge string) {
		if label < 0 || label >= len(g.Blocks) {
			parent.AddNode(fmt.Sprintf("%sblock%d (missing)", edge, label))
			return
		}
		if seen[label] {
			parent.AddNode(fmt.Sprintf("%s-> block%d", edge, label))
			return
		}
		seen[label] = true
		branch := parent.AddBranch(fmt.Sprintf("%sblock%d", edge, label))
		for i := g.Blocks[label].Head; i != nil; i = i.Next {
			if i.Kind == KindBr {
				walk(branch, i.Targets[1], "true: ")
				walk(branch, i.Targets[0], "false: ")
				continue
			}
			branch.AddNode(i.Format(name))
		}
	}
	walk(tree, 0, "")
	return tree
}
