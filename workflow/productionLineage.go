package workflow

import (
	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type LineageDirection string

const (
	// LineageUpstream follows edges towards the runs that produced a run's inputs.
	LineageUpstream LineageDirection = "upstream"
	// LineageDownstream follows edges towards the runs that consumed a run's output.
	LineageDownstream LineageDirection = "downstream"
)

type LineageNode struct {
	RunId        int                        `json:"run_id"`
	Depth        int                        `json:"depth"`
	ProcessType  string                     `json:"process_type"`
	Status       models.ProductionRunStatus `json:"status"`
	OutputItemId int                        `json:"output_item_id"`
	TotalValue   int64                      `json:"total_value"`
}

type LineageEdge struct {
	ParentRunId int             `json:"parent_run_id"`
	ChildRunId  int             `json:"child_run_id"`
	ItemId      int             `json:"item_id"`
	Qty         decimal.Decimal `json:"qty"`
}

type RunLineage struct {
	RootRunId int              `json:"root_run_id"`
	Direction LineageDirection `json:"direction"`
	Kind      string           `json:"kind"`
	Nodes     []*LineageNode   `json:"nodes"`
	Edges     []*LineageEdge   `json:"edges"`
	// Truncated is set when the depth cap stopped the walk with edges left to follow.
	Truncated bool `json:"truncated"`
}

// GetRunLineage walks dependency edges of the given kind breadth-first from
// runId. Each run is visited once and the walk never goes deeper than maxDepth
// (PRODUCTION_CHAIN_MAX_DEPTH when maxDepth <= 0 or above it).
func GetRunLineage(tx *gorm.DB, runId int, direction LineageDirection, kind models.DependencyKind, maxDepth int) (*RunLineage, error) {
	if direction != LineageUpstream && direction != LineageDownstream {
		return nil, models.ErrValidation("unknown lineage direction %q", direction)
	}
	if kind == "" {
		kind = models.DependencyKindActual
	}
	limit := config.ProductionChainMaxDepth()
	if maxDepth <= 0 || maxDepth > limit {
		maxDepth = limit
	}

	root, err := models.GetProductionRun(tx, runId)
	if err != nil {
		return nil, err
	}
	lineage := &RunLineage{RootRunId: root.ID, Direction: direction, Kind: string(kind)}
	lineage.Nodes = append(lineage.Nodes, lineageNode(root, 0))

	visited := map[int]bool{root.ID: true}
	frontier := []int{root.ID}
	for depth := 1; len(frontier) > 0; depth++ {
		var edges []*models.ProductionRunDependency
		q := tx.Where("kind = ?", kind)
		if direction == LineageUpstream {
			q = q.Where("child_run_id IN ?", frontier)
		} else {
			q = q.Where("parent_run_id IN ?", frontier)
		}
		if err := q.Order("id ASC").Find(&edges).Error; err != nil {
			return nil, err
		}
		if len(edges) == 0 {
			break
		}
		if depth > maxDepth {
			lineage.Truncated = true
			break
		}

		var next []int
		for _, edge := range edges {
			lineage.Edges = append(lineage.Edges, &LineageEdge{
				ParentRunId: edge.ParentRunId,
				ChildRunId:  edge.ChildRunId,
				ItemId:      edge.ItemId,
				Qty:         edge.Qty(),
			})
			other := edge.ParentRunId
			if direction == LineageDownstream {
				other = edge.ChildRunId
			}
			if !visited[other] {
				visited[other] = true
				next = append(next, other)
			}
		}
		if len(next) == 0 {
			break
		}

		var runs []*models.ProductionRun
		if err := tx.Where("id IN ?", next).Order("id ASC").Find(&runs).Error; err != nil {
			return nil, err
		}
		for _, run := range runs {
			lineage.Nodes = append(lineage.Nodes, lineageNode(run, depth))
		}
		frontier = next
	}
	return lineage, nil
}

func lineageNode(run *models.ProductionRun, depth int) *LineageNode {
	return &LineageNode{
		RunId:        run.ID,
		Depth:        depth,
		ProcessType:  run.ProcessType,
		Status:       run.Status,
		OutputItemId: run.OutputItemId,
		TotalValue:   run.TotalValue,
	}
}
