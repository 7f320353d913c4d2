// Package stats accumulates record counts per kind across pipeline artifacts.
//
// Counts are derived from file sizes only: a preimage is 12 bytes, an
// unsorted dictionary entry 20 and a hash 8. Files whose size is not a
// multiple of the record width are listed as misaligned rather than counted.
// The accumulator is an ordinary value owned by its caller; there is no
// package-level state.
package stats

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"hashprep/internal/core"
	"hashprep/internal/shard"
)

// Family is one artifact family whose records are counted.
type Family int

const (
	Preimages Family = iota
	Dictionary
	Hashes
)

func (f Family) String() string {
	switch f {
	case Preimages:
		return "preimages"
	case Dictionary:
		return "dictionary"
	case Hashes:
		return "hashes"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// Width is the record width of the family in bytes.
func (f Family) Width() int64 {
	switch f {
	case Preimages:
		return shard.PreimageWidth
	case Dictionary:
		return shard.DictWidth
	default:
		return shard.WordWidth
	}
}

// Count is the tally of one (kind, family) pair.
type Count struct {
	Files   int
	Bytes   int64
	Records int64
	// Collected is set once the family has been scanned for the kind.
	Collected bool
}

// KindStats holds every family count of one kind.
type KindStats struct {
	Kind     shard.Kind
	Families [3]Count
}

// Accumulator collects counts for every kind of a run with 2^Bits shards.
type Accumulator struct {
	Bits  int
	Kinds []KindStats

	// Misaligned lists files whose size is not a multiple of their width.
	Misaligned []string
}

// New returns an empty accumulator in kind order.
func New(bits int) *Accumulator {
	acc := &Accumulator{Bits: bits, Kinds: make([]KindStats, len(shard.Kinds))}
	for i, k := range shard.Kinds {
		acc.Kinds[i].Kind = k
	}
	return acc
}

// Collect scans every file of family f for all kinds and records the
// totals. It returns acc for chaining.
func Collect(acc *Accumulator, layout shard.Layout, f Family) (*Accumulator, error) {
	resolver := core.NewInputResolver("")
	for i := range acc.Kinds {
		files, err := resolver.Resolve(familyPattern(layout, acc.Kinds[i].Kind, f))
		if err != nil {
			return acc, err
		}

		c := Count{Collected: true}
		for _, file := range files {
			info, err := os.Stat(file)
			if err != nil {
				return acc, fmt.Errorf("stat %s: %w", file, err)
			}
			if info.Size()%f.Width() != 0 {
				acc.Misaligned = append(acc.Misaligned, file)
				continue
			}
			c.Files++
			c.Bytes += info.Size()
			c.Records += info.Size() / f.Width()
		}
		acc.Kinds[i].Families[f] = c
	}
	return acc, nil
}

// CollectAll scans every family in pipeline order.
func CollectAll(acc *Accumulator, layout shard.Layout) (*Accumulator, error) {
	for _, f := range []Family{Preimages, Dictionary, Hashes} {
		var err error
		if acc, err = Collect(acc, layout, f); err != nil {
			return acc, err
		}
	}
	return acc, nil
}

func familyPattern(layout shard.Layout, k shard.Kind, f Family) string {
	switch f {
	case Preimages:
		return layout.PreimagePattern(k)
	case Dictionary:
		return filepath.Join(layout.DictDir, "*", k.Name+".*.unsorted")
	default:
		return layout.HashPattern(k)
	}
}

// LossRate is the percentage of records of family f lost relative to the
// previous family: invalid preimages for Dictionary, duplicates for Hashes.
// ok is false when either side was not collected or the previous count is zero.
func (ks KindStats) LossRate(f Family) (rate float64, ok bool) {
	if f == Preimages {
		return 0, false
	}
	prev, cur := ks.Families[f-1], ks.Families[f]
	if !prev.Collected || !cur.Collected || prev.Records == 0 {
		return 0, false
	}
	return 100 * float64(prev.Records-cur.Records) / float64(prev.Records), true
}

// ShardBytes is the mean size of one hash shard of the kind.
func (a *Accumulator) ShardBytes(ks KindStats) uint64 {
	return uint64(ks.Families[Hashes].Bytes >> a.Bits)
}

// ExpectedSolutions estimates the number of (64+k)-bit solutions: the product
// of the hash counts of all kinds over 2^(64+k).
func (a *Accumulator) ExpectedSolutions() float64 {
	product := 1.0
	for _, ks := range a.Kinds {
		if !ks.Families[Hashes].Collected {
			return 0
		}
		product *= float64(ks.Families[Hashes].Records)
	}
	return product / math.Pow(2, float64(64+a.Bits))
}

// Fields renders the accumulator as structured log fields, one object per
// kind. Sizes are humanized.
func (a *Accumulator) Fields() []zap.Field {
	fields := make([]zap.Field, 0, len(a.Kinds)+2)
	for _, ks := range a.Kinds {
		m := make(map[string]any)
		for f := Preimages; f <= Hashes; f++ {
			c := ks.Families[f]
			if !c.Collected {
				continue
			}
			m[f.String()] = humanize.Comma(c.Records)
			m[f.String()+"_size"] = humanize.IBytes(uint64(c.Bytes))
			if rate, ok := ks.LossRate(f); ok {
				m[f.String()+"_loss"] = fmt.Sprintf("%.3f%%", rate)
			}
		}
		if ks.Families[Hashes].Collected {
			m["shard_size"] = humanize.IBytes(a.ShardBytes(ks))
		}
		fields = append(fields, zap.Any(ks.Kind.Name, m))
	}
	if a.Kinds[len(a.Kinds)-1].Families[Hashes].Collected {
		fields = append(fields, zap.Float64("expected_solutions", a.ExpectedSolutions()))
	}
	if len(a.Misaligned) > 0 {
		fields = append(fields, zap.Strings("misaligned", a.Misaligned))
	}
	return fields
}
