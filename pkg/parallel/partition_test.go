package parallel

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name   string
		total  int
		parts  int
		counts []int
	}{
		{"even", 12, 4, []int{3, 3, 3, 3}},
		{"remainder to first", 10, 4, []int{4, 2, 2, 2}},
		{"single part", 7, 1, []int{7}},
		{"more parts than items", 2, 4, []int{2, 0, 0, 0}},
		{"empty", 0, 3, []int{0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Partition(tt.total, tt.parts)
			if err != nil {
				t.Fatalf("Partition() error = %v", err)
			}
			if len(chunks) != len(tt.counts) {
				t.Fatalf("Partition() returned %d chunks, want %d", len(chunks), len(tt.counts))
			}
			start := 0
			for i, c := range chunks {
				if c.Count != tt.counts[i] {
					t.Errorf("chunk %d count = %d, want %d", i, c.Count, tt.counts[i])
				}
				if c.Start != start {
					t.Errorf("chunk %d start = %d, want %d", i, c.Start, start)
				}
				start = c.End()
			}
		})
	}
}

func TestPartitionInvalid(t *testing.T) {
	if _, err := Partition(-1, 2); !errors.Is(err, ErrInvalidPartition) {
		t.Errorf("Partition(-1, 2) error = %v", err)
	}
	if _, err := Partition(5, 0); !errors.Is(err, ErrInvalidPartition) {
		t.Errorf("Partition(5, 0) error = %v", err)
	}
	if _, err := Blocks(5, 0); !errors.Is(err, ErrInvalidPartition) {
		t.Errorf("Blocks(5, 0) error = %v", err)
	}
}

func TestBlocks(t *testing.T) {
	blocks, err := Blocks(10, 4)
	if err != nil {
		t.Fatalf("Blocks() error = %v", err)
	}
	want := []Chunk{{0, 0, 4}, {1, 4, 4}, {2, 8, 2}}
	if len(blocks) != len(want) {
		t.Fatalf("Blocks() = %v, want %v", blocks, want)
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Errorf("block %d = %+v, want %+v", i, blocks[i], want[i])
		}
	}

	empty, _ := Blocks(0, 4)
	if len(empty) != 0 {
		t.Errorf("Blocks(0, 4) = %v, want none", empty)
	}
}

func TestPartitionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("chunks cover [0,total) exactly once", prop.ForAll(
		func(total, parts int) bool {
			chunks, err := Partition(total, parts)
			if err != nil {
				return false
			}
			next := 0
			for _, c := range chunks {
				if c.Start != next || c.Count < 0 {
					return false
				}
				next = c.End()
			}
			return next == total
		},
		gen.IntRange(0, 100000),
		gen.IntRange(1, 64),
	))

	properties.Property("chunk sizes differ only by the remainder on chunk 0", prop.ForAll(
		func(total, parts int) bool {
			chunks, _ := Partition(total, parts)
			for _, c := range chunks[1:] {
				if c.Count != total/parts {
					return false
				}
			}
			return chunks[0].Count == total/parts+total%parts
		},
		gen.IntRange(0, 100000),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
