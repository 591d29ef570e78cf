package report

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"

	"buildsched/internal/task/group"
)

// RenderPlan prints the batches a build would hand out, one branch per
// group, in order.
func RenderPlan(w io.Writer, title string, plan []group.Batch, color bool) error {
	root := tree.Root(title)
	var (
		node *tree.Tree
		last string
		n    int
	)
	for _, b := range plan {
		if node == nil || b.Group != last {
			node = tree.New().Root(b.Group)
			root.Child(node)
			last = b.Group
			n = 0
		}
		n++
		label := fmt.Sprintf("batch %d", n)
		if b.MaxJobs > 0 {
			label += fmt.Sprintf(" (max %d)", b.MaxJobs)
		}
		batch := tree.New().Root(label)
		for _, t := range b.Tasks {
			batch.Child(t.ID())
		}
		node.Child(batch)
	}

	root = root.Enumerator(tree.RoundedEnumerator)
	if color {
		root = root.
			EnumeratorStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)).
			RootStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("35")))
	}
	_, err := io.WriteString(w, root.String()+"\n")
	return err
}
