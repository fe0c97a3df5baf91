package manifest

import "testing"

func TestCompilePredicate_TagsContains(t *testing.T) {
	pred, err := CompilePredicate("tags contains 'security'")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !pred(View{Tags: []string{"security", "backend"}}) {
		t.Fatal("expected true when tags contains security")
	}
	if pred(View{Tags: []string{"backend"}}) {
		t.Fatal("expected false when tags does not contain security")
	}
}

func TestCompilePredicate_RoutingEquality(t *testing.T) {
	pred, err := CompilePredicate("routing.team == 'infra'")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !pred(View{Team: "infra"}) {
		t.Fatal("expected true for matching team")
	}
	if pred(View{Team: "web"}) {
		t.Fatal("expected false for non-matching team")
	}
}

func TestCompilePredicate_AndOrNot(t *testing.T) {
	pred, err := CompilePredicate("tags contains 'security' and not routing.team == 'web'")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !pred(View{Tags: []string{"security"}, Team: "infra"}) {
		t.Fatal("expected true")
	}
	if pred(View{Tags: []string{"security"}, Team: "web"}) {
		t.Fatal("expected false when team is web")
	}

	pred2, err := CompilePredicate("routing.role == 'architect' or routing.role == 'lead'")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !pred2(View{Role: "lead"}) {
		t.Fatal("expected true for role lead")
	}
	if pred2(View{Role: "implementer"}) {
		t.Fatal("expected false for role implementer")
	}
}

func TestCompilePredicate_Parentheses(t *testing.T) {
	pred, err := CompilePredicate("(tags contains 'a' or tags contains 'b') and routing.team == 'infra'")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !pred(View{Tags: []string{"b"}, Team: "infra"}) {
		t.Fatal("expected true")
	}
	if pred(View{Tags: []string{"b"}, Team: "web"}) {
		t.Fatal("expected false when team doesn't match")
	}
}

func TestCompilePredicate_RejectsMalformedInput(t *testing.T) {
	cases := []string{
		"tags == 'security'",
		"routing.bogus == 'x'",
		"tags contains security",
		"(tags contains 'a'",
	}
	for _, c := range cases {
		if _, err := CompilePredicate(c); err == nil {
			t.Errorf("expected error compiling %q", c)
		}
	}
}
