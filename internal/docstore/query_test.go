package docstore

import (
	"encoding/json"
	"testing"
)

func TestQueryMatches(t *testing.T) {
	doc := map[string]any{
		"senderId":  "alice",
		"createdAt": int64(2000),
		"members":   []any{"alice", "bob"},
		"lastRead":  map[string]any{"bob": int64(1500)},
		"priority":  json.Number("2"),
	}

	tests := []struct {
		name string
		q    Query
		want bool
	}{
		{"eq", Collection("c").Where("senderId", Eq, "alice"), true},
		{"not eq same", Collection("c").Where("senderId", NotEq, "alice"), false},
		{"not eq other", Collection("c").Where("senderId", NotEq, "bob"), true},
		{"not eq missing field", Collection("c").Where("nope", NotEq, "bob"), true},
		{"gt int vs float", Collection("c").Where("createdAt", Gt, 1999.5), true},
		{"gt equal", Collection("c").Where("createdAt", Gt, int64(2000)), false},
		{"gte equal", Collection("c").Where("createdAt", Gte, 2000), true},
		{"lt", Collection("c").Where("createdAt", Lt, 3000), true},
		{"lte", Collection("c").Where("createdAt", Lte, 1000), false},
		{"json number", Collection("c").Where("priority", Eq, 2), true},
		{"dotted path", Collection("c").Where("lastRead.bob", Eq, 1500), true},
		{"missing field range", Collection("c").Where("updatedAt", Gt, 0), false},
		{"array contains", Collection("c").Where("members", ArrayContains, "bob"), true},
		{"array contains missing", Collection("c").Where("members", ArrayContains, "carol"), false},
		{"type mismatch", Collection("c").Where("senderId", Gt, 5), false},
		{"combined", Collection("c").
			Where("senderId", NotEq, "bob").
			Where("createdAt", Gt, 1500), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Matches(doc); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryWhereDoesNotAlias(t *testing.T) {
	base := Collection("c").Where("a", Eq, 1)
	q1 := base.Where("b", Eq, 2)
	q2 := base.Where("c", Eq, 3)
	if len(base.Filters) != 1 || q1.Filters[1].Field != "b" || q2.Filters[1].Field != "c" {
		t.Errorf("builder aliased filters: base=%v q1=%v q2=%v", base.Filters, q1.Filters, q2.Filters)
	}
}

func TestQueryApplyOrdersAndLimits(t *testing.T) {
	docs := []Document{
		{ID: "a", Data: map[string]any{"updatedAt": int64(10)}},
		{ID: "b", Data: map[string]any{"updatedAt": int64(30)}},
		{ID: "c", Data: map[string]any{}},
		{ID: "d", Data: map[string]any{"updatedAt": int64(20)}},
	}

	got := Collection("threads").Order("updatedAt", true).Apply(docs)
	if len(got) != 3 {
		t.Fatalf("got %d docs, want 3 (doc without order field excluded)", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "d" || got[2].ID != "a" {
		t.Errorf("order = %s,%s,%s, want b,d,a", got[0].ID, got[1].ID, got[2].ID)
	}

	q := Collection("threads").Order("updatedAt", false)
	q.Limit = 2
	got = q.Apply(docs)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "d" {
		t.Errorf("limited ascending = %v, want a,d", got)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path, coll, id string
		wantErr        bool
	}{
		{"threads/t1", "threads", "t1", false},
		{"threads/t1/messages/m1", "threads/t1/messages", "m1", false},
		{"threads/t1/messages", "", "", true},
		{"threads", "", "", true},
		{"threads/", "", "", true},
		{"/t1", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			coll, id, err := SplitPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SplitPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if coll != tt.coll || id != tt.id {
				t.Errorf("SplitPath(%q) = %q,%q want %q,%q", tt.path, coll, id, tt.coll, tt.id)
			}
		})
	}
}
