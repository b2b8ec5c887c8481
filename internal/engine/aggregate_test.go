package engine

import "testing"

func TestAggregateCode(t *testing.T) {
	tests := []struct {
		name       string
		reported   int
		failed     int
		adapterErr bool
		want       int
	}{
		{"clean", 0, 0, false, 0},
		{"adapter failures kept", 3, 0, false, 3},
		{"adapter failures kept over synthesized", 3, 1, false, 3},
		{"synthesized hosts surface", 0, 2, false, 2},
		{"negative with failures", -1, 2, false, 2},
		{"negative without failures", -5, 0, false, 1},
		{"adapter error with clean hosts", 0, 0, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aggregateCode(tt.reported, tt.failed, tt.adapterErr); got != tt.want {
				t.Errorf("aggregateCode(%d, %d, %v) = %d, want %d", tt.reported, tt.failed, tt.adapterErr, got, tt.want)
			}
		})
	}
}
