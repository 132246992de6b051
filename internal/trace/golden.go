package trace

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/worldsim/internal/canon"
)

// AssertGolden compares the canonical JSON of tr against
// testdata/golden/{name}.golden in the calling package.
//
// To regenerate golden files, run:
//
//	go test ./... -update
func AssertGolden(t *testing.T, name string, tr *Trace) {
	t.Helper()

	data, err := canon.Marshal(tr.Canonical())
	if err != nil {
		t.Fatalf("marshal trace: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
