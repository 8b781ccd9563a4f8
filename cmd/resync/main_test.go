package main

import "testing"

func TestParseFlags(t *testing.T) {
	t.Parallel()
	o, err := parseFlags([]string{"--offset", "40", "--force", "--merge"})
	if err != nil {
		t.Fatal(err)
	}
	if o.offset != 40 || !o.force || !o.merge || o.recalculate || o.discover {
		t.Fatalf("options = %+v", o)
	}
	if _, err := parseFlags([]string{"--offset=-1"}); err == nil {
		t.Fatal("negative offset accepted")
	}
	if _, err := parseFlags([]string{"--bogus"}); err == nil {
		t.Fatal("unknown flag accepted")
	}
}
