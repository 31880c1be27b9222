package firstlevel

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
)

func TestTraverseUnknownStartVertex(t *testing.T) {
	reader := NewReader(openTempGraph(t))
	result, err := reader.TraverseAssignments(context.Background(), "nobody", nil)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if result.StartVertexKnown {
		t.Fatal("start vertex must be unknown")
	}
	if len(result.Assignments) != 0 {
		t.Fatalf("assignments = %+v", result.Assignments)
	}
}

func TestTraverseFollowsNestedMembershipsAndStopsOnCycles(t *testing.T) {
	store := openTempGraph(t)
	p := New(store, nil)
	r := &recorder{}
	mustApply(t, p,
		created(t, r, alice, "alice"),
		created(t, r, engineering, "Engineering"),
		created(t, r, platform, "Platform"),
		created(t, r, acme, "Acme"),
		r.next(t, "a1", event.TypeAssignmentAdded, alice, event.AssignmentAdded{Container: platform}),
		r.next(t, "a2", event.TypeAssignmentAdded, platform, event.AssignmentAdded{Container: engineering}),
		r.next(t, "a3", event.TypeAssignmentAdded, engineering, event.AssignmentAdded{Container: acme}),
		r.next(t, "a4", event.TypeAssignmentAdded, engineering, event.AssignmentAdded{Container: platform}),
	)

	result, err := NewReader(store).TraverseAssignments(context.Background(), alice.ID, nil)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if !result.StartVertexKnown || result.Start != alice {
		t.Fatalf("start = %+v known=%v", result.Start, result.StartVertexKnown)
	}
	want := []struct {
		container ident.ObjectIdent
		name      string
		depth     int
	}{
		{platform, "Platform", 1},
		{engineering, "Engineering", 2},
		{acme, "Acme", 3},
	}
	if len(result.Assignments) != len(want) {
		t.Fatalf("assignments = %+v", result.Assignments)
	}
	for i, w := range want {
		got := result.Assignments[i]
		if got.Container != w.container || got.Name != w.name || len(got.Path) != w.depth {
			t.Fatalf("assignment %d = %+v", i, got)
		}
		if got.Path[len(got.Path)-1] != w.container {
			t.Fatalf("path %d does not end at container: %+v", i, got.Path)
		}
	}
}

func TestTraverseFiltersByInstant(t *testing.T) {
	store := openTempGraph(t)
	p := New(store, nil)
	r := &recorder{}
	q1 := assignment.RangeCondition{
		Start: ptr(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		End:   ptr(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)),
	}
	mustApply(t, p,
		created(t, r, alice, "alice"),
		created(t, r, engineering, "Engineering"),
		created(t, r, acme, "Acme"),
		r.next(t, "tmp", event.TypeRangeConditionAdded, alice, event.RangeConditionAdded{Container: engineering, Condition: q1}),
		r.next(t, "perm", event.TypeAssignmentAdded, alice, event.AssignmentAdded{Container: acme}),
	)
	reader := NewReader(store)

	inside := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	result, err := reader.TraverseAssignments(context.Background(), alice.ID, &inside)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(result.Assignments) != 2 {
		t.Fatalf("inside window = %+v", result.Assignments)
	}
	for _, a := range result.Assignments {
		if a.Container == engineering && len(a.Conditions) != 1 {
			t.Fatalf("temporary edge must carry its condition: %+v", a)
		}
	}

	after := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	result, err = reader.TraverseAssignments(context.Background(), alice.ID, &after)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(result.Assignments) != 1 || result.Assignments[0].Container != acme {
		t.Fatalf("after window = %+v", result.Assignments)
	}

	members, err := reader.Members(context.Background(), engineering.ID, &after)
	if err != nil || len(members) != 0 {
		t.Fatalf("members after window = %+v, %v", members, err)
	}
	members, err = reader.Members(context.Background(), engineering.ID, nil)
	if err != nil || len(members) != 1 || members[0] != alice {
		t.Fatalf("members = %+v, %v", members, err)
	}
}

func TestClientSettingsGroupsByClient(t *testing.T) {
	ctx := context.Background()
	store := openTempGraph(t)
	p := New(store, nil)
	r := &recorder{}
	mustApply(t, p,
		created(t, r, alice, "alice"),
		r.next(t, "set-theme", event.TypeClientSettingChanged, alice, event.ClientSettingChanged{Client: "portal", Key: "theme", Value: "dark"}),
		r.next(t, "set-lang", event.TypeClientSettingChanged, alice, event.ClientSettingChanged{Client: "portal", Key: "lang", Value: "de"}),
		r.next(t, "set-cli", event.TypeClientSettingChanged, alice, event.ClientSettingChanged{Client: "cli", Key: "pager", Value: "less"}),
	)

	reader := NewReader(store)
	settings, err := reader.ClientSettings(ctx, alice.ID)
	if err != nil {
		t.Fatalf("client settings: %v", err)
	}
	if len(settings) != 2 || settings["portal"]["theme"] != "dark" || settings["portal"]["lang"] != "de" || settings["cli"]["pager"] != "less" {
		t.Fatalf("settings = %+v", settings)
	}

	if _, err := reader.ClientSettings(ctx, "nobody"); apperrors.GetCode(err) != apperrors.CodeNotFound {
		t.Fatalf("unknown profile err = %v", err)
	}
}
