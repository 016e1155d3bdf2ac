// Package grid converts continuous map coordinates into grid references
// like "K15". The companion map uses an origin-centered coordinate system:
// (0, 0) is the middle of the map and mapSize is the edge length, so the
// playable range on each axis is [-mapSize/2, +mapSize/2]. The grid overlays
// 26 lettered columns (A-Z, west to east) and numbered rows (south to north).
package grid

// Columns is the number of grid cells per axis.
const Columns = 26

// Ref returns the grid reference for a world coordinate on a map of the
// given size. Identical inputs always yield the identical label; coordinates
// outside the map edge are clamped to the border cells.
func Ref(x, y float64, mapSize int) string {
	if mapSize <= 0 {
		mapSize = 4000 // common vanilla map size
	}

	half := float64(mapSize) / 2
	normX := clamp01((x + half) / float64(mapSize))
	normY := clamp01((y + half) / float64(mapSize))

	col := int(normX * Columns)
	row := int(normY * Columns)
	if col >= Columns {
		col = Columns - 1
	}
	if row >= Columns {
		row = Columns - 1
	}

	return string(rune('A'+col)) + itoa(row)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// itoa avoids pulling strconv into the hot path for two-digit rows.
func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}
