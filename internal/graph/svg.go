package graph

import (
	"fmt"
	"io"
	"math"

	svg "github.com/ajstarks/svgo"
)

const (
	svgWidth   = 1200
	svgHeight  = 800
	svgPadding = 80
)

// WriteSVG renders the graph as a standalone SVG image: edges first,
// then circles sized by val and filled with the node color, each
// labeled with its document name.
func WriteSVG(w io.Writer, data *Data) error {
	canvas := svg.New(w)
	canvas.Start(svgWidth, svgHeight)
	canvas.Rect(0, 0, svgWidth, svgHeight, "fill:#f9fafb")

	type point struct{ x, y int }
	place := fitViewport(data.Nodes)
	pos := make(map[string]point, len(data.Nodes))
	for _, n := range data.Nodes {
		x, y := place(n.X, n.Y)
		pos[n.ID] = point{x, y}
	}

	for _, l := range data.Links {
		from, okFrom := pos[l.Source]
		to, okTo := pos[l.Target]
		if !okFrom || !okTo {
			continue
		}
		canvas.Line(from.x, from.y, to.x, to.y, "stroke:#6b80bf;stroke-width:1.5;stroke-opacity:0.6")
	}

	for _, n := range data.Nodes {
		p := pos[n.ID]
		r := nodeRadius(n.Val)
		canvas.Circle(p.x, p.y, r, fmt.Sprintf("fill:%s;stroke:#222222;stroke-width:1", n.Color))
		canvas.Text(p.x+r+4, p.y+4, n.Name, "fill:#333333;font-size:11px;font-family:monospace")
	}

	canvas.End()
	return nil
}

func nodeRadius(val int) int {
	r := 6 + val
	if r > 24 {
		r = 24
	}
	return r
}

// fitViewport maps layout coordinates into the padded canvas, keeping
// aspect ratio and centering the slack axis. A degenerate extent pins
// everything to the center.
func fitViewport(nodes []Node) func(x, y float64) (int, int) {
	center := func(float64, float64) (int, int) { return svgWidth / 2, svgHeight / 2 }
	if len(nodes) == 0 {
		return center
	}

	minX, maxX := nodes[0].X, nodes[0].X
	minY, maxY := nodes[0].Y, nodes[0].Y
	for _, n := range nodes[1:] {
		minX = math.Min(minX, n.X)
		maxX = math.Max(maxX, n.X)
		minY = math.Min(minY, n.Y)
		maxY = math.Max(maxY, n.Y)
	}
	spanX := maxX - minX
	spanY := maxY - minY
	if spanX == 0 && spanY == 0 {
		return center
	}

	usableW := float64(svgWidth - 2*svgPadding)
	usableH := float64(svgHeight - 2*svgPadding)
	scale := math.Inf(1)
	if spanX > 0 {
		scale = usableW / spanX
	}
	if spanY > 0 {
		if s := usableH / spanY; s < scale {
			scale = s
		}
	}

	return func(x, y float64) (int, int) {
		px := svgPadding + (x-minX)*scale + (usableW-spanX*scale)/2
		py := svgPadding + (y-minY)*scale + (usableH-spanY*scale)/2
		return int(math.Round(px)), int(math.Round(py))
	}
}
