// Package graph builds the concept graph of a knowledge base: one node
// per ingested document, directed edges along resolved imports, with
// PageRank scores and force-directed layout computed server-side so
// every client renders the same picture.
package graph

import (
	"fmt"
	"math"
	"math/rand/v2"
	"path"
	"sort"

	"gonum.org/v1/gonum/graph/layout"
	"gonum.org/v1/gonum/graph/network"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/loamlab/loam/internal/storage"
)

const (
	pageRankDamping = 0.85
	pageRankTol     = 1e-6

	// layoutSeed fixes the initial node placement so repeated builds of
	// the same KB produce identical coordinates.
	layoutSeed = 42

	// layoutScale stretches the unit-ish force-directed coordinates to
	// a range clients can use directly as pixels.
	layoutScale = 1000
)

// Node is one document in the concept graph payload.
type Node struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Val   int     `json:"val"`
	Rank  float64 `json:"rank"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Color string  `json:"color"`
}

// Link is a resolved import edge between two documents.
type Link struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Data is the wire payload served by the graph endpoint.
type Data struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// Build assembles the graph payload from a KB's documents, edges, and
// chunk vectors. Node size follows degree, rank is PageRank, and color
// is the concept color of the document's mean embedding.
func Build(docs []storage.Document, edges []storage.Edge, refs []storage.ChunkRef) *Data {
	data := &Data{Nodes: make([]Node, 0, len(docs)), Links: make([]Link, 0, len(edges))}
	if len(docs) == 0 {
		return data
	}

	g := simple.NewDirectedGraph()
	pathToID := make(map[string]int64, len(docs))
	idToPath := make(map[int64]string, len(docs))
	for _, d := range docs {
		n := g.NewNode()
		g.AddNode(n)
		pathToID[d.RelPath] = n.ID()
		idToPath[n.ID()] = d.RelPath
	}

	for _, e := range edges {
		src, okSrc := pathToID[e.SrcPath]
		dst, okDst := pathToID[e.DstPath]
		if !okSrc || !okDst || src == dst {
			continue
		}
		g.SetEdge(g.NewEdge(g.Node(src), g.Node(dst)))
		data.Links = append(data.Links, Link{Source: e.SrcPath, Target: e.DstPath})
	}
	sort.Slice(data.Links, func(i, j int) bool {
		if data.Links[i].Source != data.Links[j].Source {
			return data.Links[i].Source < data.Links[j].Source
		}
		return data.Links[i].Target < data.Links[j].Target
	})

	rank := network.PageRank(g, pageRankDamping, pageRankTol)
	pos := layoutPositions(g)
	colors := documentColors(refs)

	for _, d := range docs {
		id := pathToID[d.RelPath]
		links := g.From(id).Len() + g.To(id).Len()
		val := links * 2
		if val < 1 {
			val = 1
		}
		color, ok := colors[d.RelPath]
		if !ok {
			color = neutralColor
		}
		p := pos[id]
		data.Nodes = append(data.Nodes, Node{
			ID:    d.RelPath,
			Name:  path.Base(d.RelPath),
			Val:   val,
			Rank:  rank[id],
			X:     p[0],
			Y:     p[1],
			Color: color,
		})
	}
	sort.Slice(data.Nodes, func(i, j int) bool { return data.Nodes[i].ID < data.Nodes[j].ID })
	return data
}

// layoutPositions runs the Eades force-directed layout with a fixed
// seed and returns centered, scaled coordinates per node ID.
func layoutPositions(g *simple.DirectedGraph) map[int64][2]float64 {
	eades := layout.EadesR2{
		Updates:   100,
		Repulsion: 1,
		Rate:      0.05,
		Theta:     0.2,
		Src:       rand.NewPCG(layoutSeed, layoutSeed),
	}
	opt := layout.NewOptimizerR2(g, eades.Update)
	for opt.Update() {
	}

	pos := make(map[int64][2]float64)
	var cx, cy float64
	nodes := g.Nodes()
	for nodes.Next() {
		id := nodes.Node().ID()
		v := opt.Coord2(id)
		pos[id] = [2]float64{v.X, v.Y}
		cx += v.X
		cy += v.Y
	}
	if len(pos) == 0 {
		return pos
	}

	cx /= float64(len(pos))
	cy /= float64(len(pos))
	for id, p := range pos {
		pos[id] = [2]float64{
			math.Round((p[0] - cx) * layoutScale),
			math.Round((p[1] - cy) * layoutScale),
		}
	}
	return pos
}

const neutralColor = "#808080"

// documentColors averages each document's chunk vectors and maps the
// first three dimensions to a color, the same mapping the inspection
// frames use for single chunks.
func documentColors(refs []storage.ChunkRef) map[string]string {
	sums := make(map[string][3]float64)
	counts := make(map[string]int)
	for _, r := range refs {
		if len(r.Vector) == 0 {
			continue
		}
		s := sums[r.RelPath]
		for i := 0; i < 3 && i < len(r.Vector); i++ {
			s[i] += float64(r.Vector[i])
		}
		sums[r.RelPath] = s
		counts[r.RelPath]++
	}

	colors := make(map[string]string, len(sums))
	for rel, s := range sums {
		n := float64(counts[rel])
		var rgb [3]int
		for i := 0; i < 3; i++ {
			c := math.Round((s[i]/n + 1) * 127.5)
			if c < 0 {
				c = 0
			}
			if c > 255 {
				c = 255
			}
			rgb[i] = int(c)
		}
		colors[rel] = fmt.Sprintf("#%02x%02x%02x", rgb[0], rgb[1], rgb[2])
	}
	return colors
}
