package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ControlAddr string `yaml:"control_addr"`
	BulkAddr    string `yaml:"bulk_addr"`

	ControlBufferBytes int `yaml:"control_buffer_bytes"`
	BulkBufferBytes    int `yaml:"bulk_buffer_bytes"`
	OutQueue           int `yaml:"out_queue"`

	ChunkSizeBytes  int `yaml:"chunk_size_bytes"`
	PaceEveryChunks int `yaml:"pace_every_chunks"`
	PaceDelayMs     int `yaml:"pace_delay_ms"`

	ReadyTimeoutS      int `yaml:"ready_timeout_s"`
	WorkerJoinTimeoutS int `yaml:"worker_join_timeout_s"`

	ProtocolStrikeLimit int `yaml:"protocol_strike_limit"`

	WorldGen WorldGen `yaml:"world_gen"`
}

type WorldGen struct {
	Width           int `yaml:"width"`
	Depth           int `yaml:"depth"`
	BiomeRegionSize int `yaml:"biome_region_size"`
	SpawnPoints     int `yaml:"spawn_points"`
}

func Defaults() Config {
	return Config{
		ControlAddr:         ":8080",
		BulkAddr:            ":8081",
		ControlBufferBytes:  4 * 1024,
		BulkBufferBytes:     64 * 1024,
		OutQueue:            256,
		ChunkSizeBytes:      8 * 1024,
		PaceEveryChunks:     32,
		PaceDelayMs:         5,
		ReadyTimeoutS:       10,
		WorkerJoinTimeoutS:  5,
		ProtocolStrikeLimit: 8,
		WorldGen: WorldGen{
			Width:           256,
			Depth:           256,
			BiomeRegionSize: 32,
			SpawnPoints:     8,
		},
	}
}

func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("server.yaml: %w", err)
	}
	if c.ChunkSizeBytes <= 0 {
		return c, fmt.Errorf("server.yaml: chunk_size_bytes must be positive")
	}
	if c.ChunkSizeBytes > c.BulkBufferBytes {
		return c, fmt.Errorf("server.yaml: chunk_size_bytes %d exceeds bulk_buffer_bytes %d", c.ChunkSizeBytes, c.BulkBufferBytes)
	}
	return c, nil
}

func (c Config) PaceDelay() time.Duration      { return time.Duration(c.PaceDelayMs) * time.Millisecond }
func (c Config) ReadyTimeout() time.Duration   { return time.Duration(c.ReadyTimeoutS) * time.Second }
func (c Config) WorkerJoinTimeout() time.Duration {
	return time.Duration(c.WorkerJoinTimeoutS) * time.Second
}
