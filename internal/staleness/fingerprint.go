package staleness

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"hashprep/internal/core"
)

// Digest is a BLAKE3-256 content digest.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// manifest is what Fingerprint stores per output after a successful build.
type manifest struct {
	Output       string          `cbor:"1,keyasint"`
	OutputDigest Digest          `cbor:"2,keyasint"`
	Inputs       []manifestEntry `cbor:"3,keyasint"`
}

type manifestEntry struct {
	Path   string `cbor:"1,keyasint"`
	Digest Digest `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("staleness: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("staleness: CBOR decoder initialization failed: " + err.Error())
	}
}

// Fingerprint compares content digests instead of modification times.
//
// After a successful build, Commit stores a manifest with the digest of the
// output and of every input under Dir. Check reports Fresh only if the output
// still exists, the input list is the one recorded and every digest still
// matches. An output without a manifest (built before fingerprinting was
// enabled, or by hand) falls back to the MTime rule.
type Fingerprint struct {
	Dir string
}

// NewFingerprint stores manifests under dir.
func NewFingerprint(dir string) *Fingerprint {
	return &Fingerprint{Dir: dir}
}

func (f *Fingerprint) Check(output string, inputs []string, force bool) (Decision, error) {
	if missing := MissingInputs(inputs); len(missing) > 0 {
		return Blocked, nil
	}
	if _, err := os.Stat(output); errors.Is(err, fs.ErrNotExist) {
		return Stale, nil
	} else if err != nil {
		return Stale, fmt.Errorf("stat output %s: %w", output, err)
	}

	m, err := f.load(output)
	if err != nil {
		return Stale, err
	}
	if m == nil {
		return MTime{}.Check(output, inputs, force)
	}
	if len(inputs) == 0 && force {
		return Stale, nil
	}
	if len(m.Inputs) != len(inputs) {
		return Stale, nil
	}
	for i, in := range inputs {
		if m.Inputs[i].Path != in {
			return Stale, nil
		}
		d, err := HashFile(in)
		if err != nil {
			return Stale, err
		}
		if d != m.Inputs[i].Digest {
			return Stale, nil
		}
	}
	// A hand-edited output is rebuilt as well.
	d, err := HashFile(output)
	if err != nil {
		return Stale, err
	}
	if d != m.OutputDigest {
		return Stale, nil
	}
	return Fresh, nil
}

func (f *Fingerprint) Commit(output string, inputs []string) error {
	m := manifest{Output: output, Inputs: make([]manifestEntry, 0, len(inputs))}
	d, err := HashFile(output)
	if err != nil {
		return err
	}
	m.OutputDigest = d
	for _, in := range inputs {
		d, err := HashFile(in)
		if err != nil {
			return err
		}
		m.Inputs = append(m.Inputs, manifestEntry{Path: in, Digest: d})
	}

	data, err := encMode.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest for %s: %w", output, err)
	}
	if err := core.WriteFileAtomic(f.manifestPath(output), data, 0o644); err != nil {
		return fmt.Errorf("writing manifest for %s: %w", output, err)
	}
	return nil
}

// load returns nil, nil when output has no manifest.
func (f *Fingerprint) load(output string) (*manifest, error) {
	data, err := os.ReadFile(f.manifestPath(output))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest for %s: %w", output, err)
	}
	var m manifest
	if err := decMode.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest for %s: %w", output, err)
	}
	// Manifest of a different output under a colliding name.
	if m.Output != output {
		return nil, nil
	}
	return &m, nil
}

// manifestPath names the manifest after the digest of the output path, so
// the directory stays flat however deep the artifact tree is.
func (f *Fingerprint) manifestPath(output string) string {
	sum := blake3.Sum256([]byte(output))
	return filepath.Join(f.Dir, hex.EncodeToString(sum[:16])+".cbor")
}

// HashFile streams path through BLAKE3.
func HashFile(path string) (Digest, error) {
	var d Digest
	file, err := os.Open(path)
	if err != nil {
		return d, err
	}
	defer file.Close()

	h := blake3.New()
	if _, err := io.Copy(h, file); err != nil {
		return d, fmt.Errorf("hashing %s: %w", path, err)
	}
	copy(d[:], h.Sum(nil))
	return d, nil
}
