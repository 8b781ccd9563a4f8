package policy

import "testing"

func TestDefault_Social(t *testing.T) {
	t.Parallel()

	p := Default()
	cases := []struct {
		name string
		want bool
	}{
		{"Friday Social", true},
		{"Summer Party", true},
		{"Sunday Walk in the Park", true},
		{"Drinks after class", true},
		{"Christmas Dinner", true},
		{"Christmas Workshop", false},
		{"Lindy Hop Workshop", false},
		{"Partner Skills Class", false},
	}
	for _, tc := range cases {
		if got := p.IsSocial(tc.name); got != tc.want {
			t.Errorf("IsSocial(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDefault_RestrictedVariant(t *testing.T) {
	t.Parallel()

	p := Default()
	for _, name := range []string{"Salsa Night - Members Only", "Salsa Night (Members)", "Salsa Night member tickets", "Salsa Night - Member's Only"} {
		if !p.IsRestrictedVariant(name) {
			t.Errorf("expected %q to be a restricted variant", name)
		}
	}
	for _, name := range []string{"Salsa Night", "Membership Drive"} {
		if p.IsRestrictedVariant(name) {
			t.Errorf("expected %q not to be a restricted variant", name)
		}
	}
}

func TestParse_CustomRules(t *testing.T) {
	t.Parallel()

	p, err := Parse([]byte(`
social:
  - name: quiz
    any: ['(?i)quiz']
never_merge: ['(?i)jam']
restricted_variant: '(?i)vip'
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.IsSocial("Pub Quiz") || p.IsSocial("Friday Social") {
		t.Fatalf("custom social rules not applied")
	}
	if !p.IsNeverMerge("Blues Jam") {
		t.Fatalf("expected never-merge match")
	}
	if !p.IsRestrictedVariant("Gala VIP") {
		t.Fatalf("expected restricted match")
	}
}

func TestParse_InvalidPattern(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte(`never_merge: ['(']`)); err == nil {
		t.Fatalf("expected error for invalid regexp")
	}
}
