package manifest_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gokvm/manifest"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	want := &manifest.Manifest{
		Version: manifest.Version,
		E: []manifest.Entry{
			{Name: "disk", Kind: manifest.KindBlockBasic, Block: manifest.BlockInfo{Capacity: 1 << 20, BlockSize: 512}},
			{Name: "net0", Kind: manifest.KindNetBasic, Net: manifest.NetInfo{MAC: [6]byte{2, 0, 0, 0, 0, 1}, MTU: 1500}},
		},
	}

	raw, err := want.Encode()
	if err != nil {
		t.Fatal(err)
	}

	got, err := manifest.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}

	if len(got.E) != len(want.E) {
		t.Fatalf("got %d entries, want %d", len(got.E), len(want.E))
	}

	for i := range want.E {
		if got.E[i].Name != want.E[i].Name || got.E[i].Kind != want.E[i].Kind {
			t.Errorf("entry %d: got %+v, want %+v", i, got.E[i], want.E[i])
		}
	}

	if got.E[0].Block != want.E[0].Block {
		t.Errorf("block info: got %+v, want %+v", got.E[0].Block, want.E[0].Block)
	}

	if got.E[1].Net != want.E[1].Net {
		t.Errorf("net info: got %+v, want %+v", got.E[1].Net, want.E[1].Net)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	t.Parallel()

	m := &manifest.Manifest{Version: 99}

	raw, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := manifest.Decode(raw); !errors.Is(err, manifest.ErrVersion) {
		t.Fatalf("got %v, want ErrVersion", err)
	}
}

func TestDecodeRejectsTooManyEntries(t *testing.T) {
	t.Parallel()

	raw := make([]byte, 8)
	raw[0] = 1 // version = 1, LE
	raw[4] = 65

	if _, err := manifest.Decode(raw); !errors.Is(err, manifest.ErrTooManyEntries) {
		t.Fatalf("got %v, want ErrTooManyEntries", err)
	}
}

func TestDecodeRejectsSizeMismatch(t *testing.T) {
	t.Parallel()

	raw := make([]byte, 8)
	raw[0] = 1
	raw[4] = 1 // claims one entry, but no entry bytes follow

	if _, err := manifest.Decode(raw); !errors.Is(err, manifest.ErrSizeMismatch) {
		t.Fatalf("got %v, want ErrSizeMismatch", err)
	}
}

func TestFindByNameFiltersByKind(t *testing.T) {
	t.Parallel()

	m := &manifest.Manifest{
		Version: manifest.Version,
		E: []manifest.Entry{
			{Name: "shared", Kind: manifest.KindBlockBasic},
			{Name: "shared", Kind: manifest.KindNetBasic},
		},
	}

	e, err := m.FindByName("shared", manifest.KindNetBasic)
	if err != nil {
		t.Fatal(err)
	}

	if e.Kind != manifest.KindNetBasic {
		t.Fatalf("got kind %s, want KindNetBasic", e.Kind)
	}

	if _, err := m.FindByName("missing", manifest.KindBlockBasic); !errors.Is(err, manifest.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestFindByIndex(t *testing.T) {
	t.Parallel()

	m := &manifest.Manifest{E: []manifest.Entry{{Name: "a"}, {Name: "b"}}}

	e, err := m.FindByIndex(1)
	if err != nil {
		t.Fatal(err)
	}

	if e.Name != "b" {
		t.Fatalf("got %q, want \"b\"", e.Name)
	}

	if _, err := m.FindByIndex(2); !errors.Is(err, manifest.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
