package world

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

type header struct {
	Version int    `json:"version"`
	MapID   string `json:"map_id"`
	Seed    int64  `json:"seed"`
}

const codecVersion = 1

// Encode serializes the artifact to a compressed byte buffer: a JSON header
// line followed by a gob body, the whole stream zstd-compressed. The output is
// what the bulk transfer engine chunks.
func Encode(a *Artifact) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("encode: nil artifact")
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(header{Version: codecVersion, MapID: a.MapID, Seed: a.Seed})
	if _, err := bw.Write(hb); err != nil {
		return nil, err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return nil, err
	}
	if err := gob.NewEncoder(bw).Encode(a); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. Used by the headless client and by tests to verify
// chunk reassembly.
func Decode(b []byte) (*Artifact, error) {
	dec, err := zstd.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	hb, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var h header
	if err := json.Unmarshal(bytes.TrimSpace(hb), &h); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if h.Version != codecVersion {
		return nil, fmt.Errorf("unsupported codec version %d", h.Version)
	}

	var a Artifact
	if err := gob.NewDecoder(br).Decode(&a); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return &a, nil
}

// Digest is a content key over everything that makes a world distinct. Two
// artifacts with the same digest serialize to interchangeable payloads.
func (a *Artifact) Digest() string {
	h := sha256.New()
	var num [8]byte
	binary.LittleEndian.PutUint64(num[:], uint64(a.Seed))
	h.Write(num[:])
	binary.LittleEndian.PutUint64(num[:], uint64(a.Width))
	h.Write(num[:])
	binary.LittleEndian.PutUint64(num[:], uint64(a.Depth))
	h.Write(num[:])
	for _, t := range a.Tiles {
		var tb [2]byte
		binary.LittleEndian.PutUint16(tb[:], t)
		h.Write(tb[:])
	}
	for _, s := range a.Spawns {
		for _, f := range []float64{s.X, s.Y, s.Z, s.Yaw} {
			binary.LittleEndian.PutUint64(num[:], math.Float64bits(f))
			h.Write(num[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
