package uid

import (
	"strings"
	"testing"
)

func TestNew_SortableAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("uid:uid_test - duplicate id %s", id)
		}
		seen[id] = true
		if prev != "" && id <= prev {
			t.Fatalf("uid:uid_test - id %s not greater than %s", id, prev)
		}
		prev = id
	}
}

func TestPrefixes(t *testing.T) {
	if !strings.HasPrefix(Job(), "job-") {
		t.Error("uid:uid_test - job id missing prefix")
	}
	if !strings.HasPrefix(Peer(), "peer-") {
		t.Error("uid:uid_test - peer id missing prefix")
	}
}
