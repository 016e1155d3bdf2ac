package grid

import "testing"

func TestRef(t *testing.T) {
	tests := []struct {
		name    string
		x, y    float64
		mapSize int
		want    string
	}{
		{"center maps to central cell", 0, 0, 4000, "N13"},
		{"center independent of size", 0, 0, 3000, "N13"},
		{"center odd size", 0, 0, 4500, "N13"},
		{"bottom-left corner", -2000, -2000, 4000, "A0"},
		{"top-right corner clamps to last cell", 2000, 2000, 4000, "Z25"},
		{"outside map clamps west", -9999, 0, 4000, "A13"},
		{"outside map clamps north", 0, 9999, 4000, "N25"},
		{"quarter point", -1000, 1000, 4000, "G19"},
		{"zero map size falls back to default", 0, 0, 0, "N13"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ref(tt.x, tt.y, tt.mapSize); got != tt.want {
				t.Errorf("Ref(%v, %v, %d) = %q, want %q", tt.x, tt.y, tt.mapSize, got, tt.want)
			}
		})
	}
}

func TestRefDeterministic(t *testing.T) {
	a := Ref(153.7, -842.1, 4500)
	for i := 0; i < 100; i++ {
		if b := Ref(153.7, -842.1, 4500); b != a {
			t.Fatalf("same input produced %q then %q", a, b)
		}
	}
}
