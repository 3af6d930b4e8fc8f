package objects

// grid is a stride-sampled boolean mask over a frame.
type grid struct {
	stride int
	cols   int
	rows   int
	cells  []bool
}

func newGrid(width, height, stride int, pred func(x, y int) bool) *grid {
	if stride < 1 {
		stride = 1
	}
	g := &grid{
		stride: stride,
		cols:   (width + stride - 1) / stride,
		rows:   (height + stride - 1) / stride,
	}
	g.cells = make([]bool, g.cols*g.rows)
	for gy := 0; gy < g.rows; gy++ {
		for gx := 0; gx < g.cols; gx++ {
			g.cells[gy*g.cols+gx] = pred(gx*stride, gy*stride)
		}
	}
	return g
}

type component struct {
	cells      int
	minX, minY int
	maxX, maxY int
}

// components flood-fills 4-connected set cells breadth first.
func (g *grid) components() []component {
	visited := make([]bool, len(g.cells))
	var out []component
	queue := make([]int, 0, 64)
	for start, set := range g.cells {
		if !set || visited[start] {
			continue
		}
		c := component{minX: g.cols, minY: g.rows, maxX: -1, maxY: -1}
		visited[start] = true
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]
			x, y := idx%g.cols, idx/g.cols
			c.cells++
			c.minX, c.maxX = min(c.minX, x), max(c.maxX, x)
			c.minY, c.maxY = min(c.minY, y), max(c.maxY, y)
			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if n[0] < 0 || n[1] < 0 || n[0] >= g.cols || n[1] >= g.rows {
					continue
				}
				ni := n[1]*g.cols + n[0]
				if g.cells[ni] && !visited[ni] {
					visited[ni] = true
					queue = append(queue, ni)
				}
			}
		}
		out = append(out, c)
	}
	return out
}
