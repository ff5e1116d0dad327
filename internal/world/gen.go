package world

import "math"

// Tile palette. The renderer owns the real palette; the generator only needs
// stable indices.
const (
	TileGrass uint16 = iota
	TileForest
	TileSand
	TileStone
	TileWater
)

// GenConfig bounds the generated grid.
type GenConfig struct {
	Width           int
	Depth           int
	BiomeRegionSize int
	SpawnPoints     int
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

func floorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func biomeTile(noise uint64) uint16 {
	switch noise % 3 {
	case 0:
		return TileGrass
	case 1:
		return TileForest
	default:
		return TileSand
	}
}

// Generate builds a deterministic artifact from the seed. The same seed always
// yields byte-identical tiles and spawn points.
func Generate(seed int64, cfg GenConfig) *Artifact {
	if cfg.Width <= 0 {
		cfg.Width = 256
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 256
	}
	if cfg.BiomeRegionSize <= 0 {
		cfg.BiomeRegionSize = 32
	}
	if cfg.SpawnPoints <= 0 {
		cfg.SpawnPoints = 8
	}

	a := &Artifact{
		Seed:  seed,
		Width: cfg.Width,
		Depth: cfg.Depth,
		Tiles: make([]uint16, cfg.Width*cfg.Depth),
	}

	for z := 0; z < cfg.Depth; z++ {
		for x := 0; x < cfg.Width; x++ {
			rx := floorDiv(x, cfg.BiomeRegionSize)
			rz := floorDiv(z, cfg.BiomeRegionSize)
			tile := biomeTile(hash2(seed, rx, rz))

			// Sprinkle stone and water inside the biome base.
			n := hash2(seed^0x5f5f, x, z)
			switch {
			case n%97 == 0:
				tile = TileStone
			case n%131 == 0:
				tile = TileWater
			}
			a.Tiles[z*cfg.Width+x] = tile
		}
	}

	// Spawn points on a ring around the world center, walkable tiles forced.
	cx := float64(cfg.Width) / 2
	cz := float64(cfg.Depth) / 2
	radius := math.Min(cx, cz) / 2
	for i := 0; i < cfg.SpawnPoints; i++ {
		angle := 2 * math.Pi * float64(i) / float64(cfg.SpawnPoints)
		sx := cx + radius*math.Cos(angle)
		sz := cz + radius*math.Sin(angle)
		tx := int(sx)
		tz := int(sz)
		if tx >= 0 && tz >= 0 && tx < cfg.Width && tz < cfg.Depth {
			a.Tiles[tz*cfg.Width+tx] = TileGrass
		}
		a.Spawns = append(a.Spawns, SpawnPoint{
			X:   sx,
			Y:   0,
			Z:   sz,
			Yaw: math.Mod(angle*180/math.Pi+180, 360),
		})
	}

	a.MapID = "m_" + a.Digest()[:12]
	return a
}
