package presentation

import (
	"sort"
	"time"

	"github.com/zjrosen/snort3test/internal/history"
	"github.com/zjrosen/snort3test/internal/job"
	"github.com/zjrosen/snort3test/internal/tree"
)

// NodeDTO represents a tree node for presentation
type NodeDTO struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Kind        string    `json:"kind"`
	Job         string    `json:"job,omitempty"`
	File        string    `json:"file,omitempty"`
	Description string    `json:"description,omitempty"`
	State       string    `json:"state,omitempty"`
	Children    []NodeDTO `json:"children,omitempty"`
}

// StateLookup returns the last known state of a leaf.
type StateLookup func(id string) (job.State, bool)

// FromNode converts a tree node and its descendants to a DTO. states may be nil.
func FromNode(n *tree.Node, states StateLookup) NodeDTO {
	dto := NodeDTO{
		ID:          n.ID,
		Label:       n.Label,
		Kind:        n.Kind.String(),
		File:        n.File,
		Description: n.Description,
	}
	if n.IsLeaf() {
		dto.Job = n.JobKind.String()
		if states != nil {
			if s, ok := states(n.ID); ok {
				dto.State = string(s)
			}
		}
	}
	for _, c := range n.Children {
		dto.Children = append(dto.Children, FromNode(c, states))
	}
	return dto
}

// ResultDTO represents one job report
type ResultDTO struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// FromResult converts a job result to a DTO
func FromResult(r job.Result) ResultDTO {
	return ResultDTO{ID: r.ID, State: string(r.State), Message: r.Message}
}

// RunDTO represents a recorded run
type RunDTO struct {
	ID         string         `json:"id"`
	Root       string         `json:"root"`
	Requested  []string       `json:"requested"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Cancelled  bool           `json:"cancelled"`
	Dispatched int64          `json:"dispatched"`
	Counts     map[string]int `json:"counts"`
}

// FromRun converts a history run to a DTO
func FromRun(r history.Run) RunDTO {
	counts := make(map[string]int, len(r.Counts))
	for s, n := range r.Counts {
		counts[string(s)] = n
	}
	return RunDTO{
		ID:         r.ID,
		Root:       r.Root,
		Requested:  r.Requested,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Cancelled:  r.Cancelled,
		Dispatched: r.Dispatched,
		Counts:     counts,
	}
}

// FromRuns converts history runs, keeping their order
func FromRuns(runs []history.Run) []RunDTO {
	out := make([]RunDTO, 0, len(runs))
	for _, r := range runs {
		out = append(out, FromRun(r))
	}
	return out
}

// FromRecords converts stored results to DTOs sorted by test ID
func FromRecords(recs []history.Record) []ResultDTO {
	out := make([]ResultDTO, 0, len(recs))
	for _, r := range recs {
		out = append(out, ResultDTO{ID: r.TestID, State: string(r.State), Message: r.Message})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
