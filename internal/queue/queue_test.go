package queue

import "testing"

func TestBackoffDelayGrowsExponentially(t *testing.T) {
	d1 := backoffDelay(1, 1000)
	d3 := backoffDelay(3, 1000)

	if d1 < 1000_000_000 || d1 > 1250_000_000 {
		t.Fatalf("attempt 1 delay out of expected range: %v", d1)
	}
	if d3 < 4000_000_000 || d3 > 5000_000_000 {
		t.Fatalf("attempt 3 delay out of expected range: %v", d3)
	}
}
