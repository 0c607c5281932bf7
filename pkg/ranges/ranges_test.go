package ranges

import (
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		in   string
		want []int
	}{
		{"", []int{}},
		{"5", []int{5}},
		{"2-5", []int{2, 3, 4, 5}},
		{"2-5,9", []int{2, 3, 4, 5, 9}},
		{"9,2-5,4", []int{2, 3, 4, 5, 9}},
	}

	for _, c := range cases {
		got, err := Split(c.in)
		if err != nil {
			t.Fatalf("Split(%q): %v", c.in, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("Split(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSplitInvalid(t *testing.T) {
	for _, in := range []string{"2-", "-5", "a-5", "5-2"} {
		if _, err := Split(in); err == nil {
			t.Errorf("Split(%q): expected error", in)
		}
	}
}

func TestUnsplit(t *testing.T) {
	cases := []struct {
		in   []int
		want string
	}{
		{nil, ""},
		{[]int{5}, "5"},
		{[]int{2, 3, 4, 5}, "2-5"},
		{[]int{2, 3, 4, 5, 9}, "2-5,9"},
	}

	for _, c := range cases {
		if got := Unsplit(c.in); got != c.want {
			t.Errorf("Unsplit(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	in := "2-5,9,12-14"
	nums, err := Split(in)
	if err != nil {
		t.Fatal(err)
	}
	if got := Unsplit(nums); got != in {
		t.Errorf("round trip: got %q, want %q", got, in)
	}
}
