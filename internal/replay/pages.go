package replay

import (
	"fmt"

	"github.com/dgnsrekt/stepdeck/internal/types"
)

// Paginate splits steps into pages. A page boundary is placed before every
// NAVIGATE that is not the first step of the current page.
func Paginate(steps []types.Step) [][]types.Step {
	var pages [][]types.Step
	var cur []types.Step
	for _, s := range steps {
		if s.Kind == types.KindNavigate && len(cur) > 0 {
			pages = append(pages, cur)
			cur = nil
		}
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		pages = append(pages, cur)
	}
	return pages
}

// PositionalID is the id given to a loaded step that has none: the tab key
// and the 1-based position in the tab.
func PositionalID(tabID string, n int) string {
	return fmt.Sprintf("%s#%d", tabID, n)
}

func assignIDs(tabID string, steps []types.Step) []types.Step {
	out := make([]types.Step, len(steps))
	for i, s := range steps {
		s = s.Clone()
		if s.ID == "" {
			s.ID = PositionalID(tabID, i+1)
		}
		out[i] = s
	}
	return out
}
