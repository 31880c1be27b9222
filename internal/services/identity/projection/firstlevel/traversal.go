package firstlevel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

// MaxTraversalDepth bounds how many membership hops a traversal follows.
const MaxTraversalDepth = 32

// Reachable is one container reachable from the start profile.
type Reachable struct {
	Container ident.ObjectIdent
	Name      string
	// Path lists the containers from the first hop up to Container.
	Path []ident.ObjectIdent
	// Conditions are those of the edge that first reached Container.
	Conditions []assignment.RangeCondition
}

// Traversal is the result of walking memberships outward from a profile.
type Traversal struct {
	Start            ident.ObjectIdent
	StartVertexKnown bool
	Assignments      []Reachable
}

// Reader answers traversal queries on the graph.
type Reader struct {
	graph storage.GraphReader
}

// NewReader builds a reader over graph.
func NewReader(graph storage.GraphReader) *Reader {
	return &Reader{graph: graph}
}

// ClientSettings returns the settings of profileID grouped by client then
// key. An unknown profile is NOT_FOUND.
func (r *Reader) ClientSettings(ctx context.Context, profileID string) (map[string]map[string]string, error) {
	if _, found, err := r.graph.GetProfile(ctx, profileID); err != nil {
		return nil, err
	} else if !found {
		return nil, apperrors.WithMetadata(apperrors.CodeNotFound, "profile not found", map[string]string{"id": profileID})
	}
	settings, err := r.graph.ListClientSettings(ctx, profileID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string)
	for _, s := range settings {
		if out[s.Client] == nil {
			out[s.Client] = make(map[string]string)
		}
		out[s.Client][s.Key] = s.Value
	}
	return out, nil
}

// TraverseAssignments walks memberships breadth-first from profileID. When at
// is set only edges active at that instant are followed. A missing start
// vertex is not an error: the result has StartVertexKnown=false.
func (r *Reader) TraverseAssignments(ctx context.Context, profileID string, at *time.Time) (Traversal, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return Traversal{}, fmt.Errorf("profile id is required")
	}
	start, found, err := r.graph.GetProfile(ctx, profileID)
	if err != nil {
		return Traversal{}, fmt.Errorf("load start profile %s: %w", profileID, err)
	}
	if !found {
		return Traversal{Start: ident.ObjectIdent{ID: profileID}}, nil
	}

	result := Traversal{Start: start.Ident, StartVertexKnown: true}
	type frontier struct {
		id   string
		path []ident.ObjectIdent
	}
	visited := map[string]bool{profileID: true}
	queue := []frontier{{id: profileID}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if len(current.path) >= MaxTraversalDepth {
			continue
		}
		edges, err := r.graph.ListAssignmentsFrom(ctx, current.id)
		if err != nil {
			return Traversal{}, fmt.Errorf("list assignments of %s: %w", current.id, err)
		}
		for _, next := range groupActiveEdges(edges, at) {
			if visited[next.target.ID] {
				continue
			}
			visited[next.target.ID] = true
			path := append(append([]ident.ObjectIdent(nil), current.path...), next.target)
			name := ""
			if container, ok, err := r.graph.GetProfile(ctx, next.target.ID); err != nil {
				return Traversal{}, fmt.Errorf("load container %s: %w", next.target.ID, err)
			} else if ok {
				name = container.Properties.Name
			}
			result.Assignments = append(result.Assignments, Reachable{
				Container:  next.target,
				Name:       name,
				Path:       path,
				Conditions: next.conditions,
			})
			queue = append(queue, frontier{id: next.target.ID, path: path})
		}
	}
	return result, nil
}

type groupedEdge struct {
	target     ident.ObjectIdent
	conditions []assignment.RangeCondition
}

// groupActiveEdges collapses temporal variants of the same membership and
// drops those inactive at at. Output is ordered by target id.
func groupActiveEdges(edges []storage.AssignmentRecord, at *time.Time) []groupedEdge {
	byTarget := make(map[string]*groupedEdge)
	for _, edge := range edges {
		if at != nil && !edge.Condition.ActiveAt(*at) {
			continue
		}
		g, ok := byTarget[edge.Target.ID]
		if !ok {
			g = &groupedEdge{target: edge.Target}
			byTarget[edge.Target.ID] = g
		}
		if !edge.Condition.Unbounded() {
			g.conditions = append(g.conditions, edge.Condition)
		}
	}
	out := make([]groupedEdge, 0, len(byTarget))
	for _, g := range byTarget {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].target.ID < out[j].target.ID })
	return out
}

// Members lists the direct members of containerID active at at.
func (r *Reader) Members(ctx context.Context, containerID string, at *time.Time) ([]ident.ObjectIdent, error) {
	edges, err := r.graph.ListAssignmentsTo(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", containerID, err)
	}
	seen := make(map[string]bool, len(edges))
	members := make([]ident.ObjectIdent, 0, len(edges))
	for _, edge := range edges {
		if at != nil && !edge.Condition.ActiveAt(*at) {
			continue
		}
		if seen[edge.Profile.ID] {
			continue
		}
		seen[edge.Profile.ID] = true
		members = append(members, edge.Profile)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}
