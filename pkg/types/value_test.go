package types

import "testing"

func TestAttrValue_Equal(t *testing.T) {
	cases := []struct {
		name string
		a, b AttrValue
		want bool
	}{
		{"same text", Text("x"), Text("x"), true},
		{"different text", Text("x"), Text("y"), false},
		{"kind mismatch", Text("1"), Number(1), false},
		{"same number", Number(2.5), Number(2.5), true},
		{"same bool", Bool(true), Bool(true), true},
		{"same list", List("a", "b"), List("a", "b"), true},
		{"list order matters", List("a", "b"), List("b", "a"), false},
		{"list length", List("a"), List("a", "b"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Equal(tc.b); got != tc.want {
				t.Errorf("Equal() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAttrs_MergeIncomingWins(t *testing.T) {
	base := Attrs{"color": Text("red"), "count": Number(1)}
	incoming := Attrs{"color": Text("blue"), "flag": Bool(true)}

	merged := base.Merge(incoming)

	if !merged["color"].Equal(Text("blue")) {
		t.Errorf("incoming key should win, got %v", merged["color"])
	}
	if !merged["count"].Equal(Number(1)) {
		t.Error("keys only in the base should be preserved")
	}
	if !merged["flag"].Equal(Bool(true)) {
		t.Error("new incoming keys should be added")
	}
	if !base["color"].Equal(Text("red")) {
		t.Error("merge must not mutate the base bag")
	}
}

func TestAttrs_MergeNilReceiver(t *testing.T) {
	var base Attrs
	merged := base.Merge(Attrs{"k": Text("v")})
	if !merged["k"].Equal(Text("v")) {
		t.Error("merging into a nil bag should produce the incoming keys")
	}
}

func TestAttrs_CloneIndependence(t *testing.T) {
	base := Attrs{"tags": List("a")}
	c := base.Clone()
	c["tags"].List[0] = "mutated"
	if base["tags"].List[0] != "a" {
		t.Error("clone shares list storage with original")
	}
}

func TestAttrValue_Validate(t *testing.T) {
	if err := Text("x").Validate(); err != nil {
		t.Errorf("text value should validate, got %v", err)
	}
	bad := AttrValue{Kind: "blob"}
	if err := bad.Validate(); err == nil {
		t.Error("unknown kind should fail validation")
	}
}
