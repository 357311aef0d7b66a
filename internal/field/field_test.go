package field

import (
	"math"
	"testing"
	"time"

	"github.com/danmuck/fieldctl/internal/memory"
	"github.com/danmuck/fieldctl/internal/testutil/testlog"
)

func obj(id string, keys []int, amps []float64, coherence float64) memory.Object {
	phases := make([]float64, len(keys))
	return memory.Object{
		ID:                  id,
		Timestamp:           time.Now(),
		BasisKeys:           keys,
		Amplitudes:          amps,
		Phases:              phases,
		SourceNodeID:        "node-test",
		CoherenceAtEmission: coherence,
	}
}

func TestAddObjectEmitsDeltaAndWeight(t *testing.T) {
	testlog.Start(t)
	f := New("node-test", DefaultConfig())

	d := f.AddObject(obj("m1", []int{1, 2}, []float64{0.5, 0.5}, 0.9), 0.9, 0.6)
	if d == nil || d.Type != DeltaAdd || d.ObjectID != "m1" {
		t.Fatalf("unexpected delta: %+v", d)
	}
	if d.Object == nil || d.Object.ID != "m1" {
		t.Fatalf("add delta should carry the object")
	}

	entry, ok := f.GetObject("m1")
	if !ok {
		t.Fatalf("entry missing after add")
	}
	if entry.Version != 1 {
		t.Fatalf("version = %d, want 1", entry.Version)
	}
	want := 0.35*0.9 + 0.35*0.6 + 0.15*1.0
	if got := f.TotalWeight(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("total weight = %v, want %v", got, want)
	}
}

func TestUpdateWeightBumpsVersion(t *testing.T) {
	testlog.Start(t)
	f := New("node-test", DefaultConfig())
	f.AddObject(obj("m1", []int{1}, []float64{1}, 0.9), 0.9, 0.5)

	d := f.UpdateWeight("m1", 0.8, 0.7)
	if d == nil || d.Type != DeltaUpdate {
		t.Fatalf("unexpected delta: %+v", d)
	}
	if d.PreviousVersion != 1 || d.NewVersion != 2 {
		t.Fatalf("versions = %d -> %d, want 1 -> 2", d.PreviousVersion, d.NewVersion)
	}
	if got := f.UpdateWeight("missing", 0.5, 0.5); got != nil {
		t.Fatalf("update of unknown id should be nil, got %+v", got)
	}
}

func TestRemoveObjectSubtractsWeight(t *testing.T) {
	testlog.Start(t)
	f := New("node-test", DefaultConfig())
	f.AddObject(obj("m1", []int{1}, []float64{1}, 0.9), 0.9, 0.5)

	if d := f.RemoveObject("m1"); d == nil || d.Type != DeltaRemove {
		t.Fatalf("remove delta missing")
	}
	if got := f.TotalWeight(); math.Abs(got) > 1e-9 {
		t.Fatalf("total weight after remove = %v, want 0", got)
	}
	if d := f.RemoveObject("m1"); d != nil {
		t.Fatalf("second remove should be nil")
	}
}

func TestGetDeltasSince(t *testing.T) {
	testlog.Start(t)
	f := New("node-test", DefaultConfig())
	d1 := f.AddObject(obj("m1", []int{1}, []float64{1}, 0.9), 0.9, 0.5)
	f.AddObject(obj("m2", []int{2}, []float64{1}, 0.9), 0.9, 0.5)
	f.AddObject(obj("m3", []int{3}, []float64{1}, 0.9), 0.9, 0.5)

	full := f.GetDeltasSince("")
	if len(full) != 3 {
		t.Fatalf("full log length = %d, want 3", len(full))
	}
	suffix := f.GetDeltasSince(d1.ID)
	if len(suffix) != 2 || suffix[0].ObjectID != "m2" {
		t.Fatalf("suffix = %+v", suffix)
	}
	unknown := f.GetDeltasSince("delta-nope")
	if len(unknown) != 3 {
		t.Fatalf("unknown delta id should return full log, got %d", len(unknown))
	}
}

func TestDeltaLogTruncation(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.MaxDeltaLog = 10
	f := New("node-test", cfg)

	for i := 0; i < 11; i++ {
		f.AddObject(obj(string(rune('a'+i)), []int{i}, []float64{1}, 0.9), 0.9, 0.5)
	}
	if got := f.Stats().DeltaLogLen; got != 5 {
		t.Fatalf("delta log length after truncation = %d, want 5", got)
	}
}

func TestSnapshotRingAndChecksum(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.MaxSnapshots = 2
	f := New("node-test", cfg)
	f.AddObject(obj("m1", []int{1}, []float64{1}, 0.9), 0.9, 0.5)

	s1 := f.CreateSnapshot()
	if !s1.Verify() {
		t.Fatalf("snapshot checksum should verify")
	}
	s1.Weights[0] += 0.5
	if s1.Verify() {
		t.Fatalf("tampered snapshot should fail verification")
	}

	f.CreateSnapshot()
	s3 := f.CreateSnapshot()
	snaps := f.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshot ring length = %d, want 2", len(snaps))
	}
	if snaps[1].ID != s3.ID {
		t.Fatalf("newest snapshot should be retained")
	}
}

func TestQuerySimilarRanking(t *testing.T) {
	testlog.Start(t)
	f := New("node-test", DefaultConfig())
	f.AddObject(obj("near", []int{1, 2}, []float64{1, 1}, 0.9), 0.9, 0.5)
	f.AddObject(obj("far", []int{9, 10}, []float64{1, 1}, 0.9), 0.9, 0.5)
	f.AddObject(obj("mid", []int{1, 9}, []float64{1, 1}, 0.9), 0.9, 0.5)

	target := obj("t", []int{1, 2}, []float64{1, 1}, 0.9)
	hits := f.QuerySimilar(target, 0.4, 10)
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].Entry.Object.ID != "near" {
		t.Fatalf("best hit = %s, want near", hits[0].Entry.Object.ID)
	}
	if got := f.QuerySimilar(target, 0.4, 1); len(got) != 1 {
		t.Fatalf("maxResults not honored")
	}
}

func TestNewBackfillsConfigDefaults(t *testing.T) {
	testlog.Start(t)
	f := New("node-test", Config{})
	want := DefaultConfig()
	if f.cfg.MaxDeltaLog != want.MaxDeltaLog {
		t.Fatalf("MaxDeltaLog = %d, want %d", f.cfg.MaxDeltaLog, want.MaxDeltaLog)
	}
	if f.cfg.MaxSnapshots != want.MaxSnapshots {
		t.Fatalf("MaxSnapshots = %d, want %d", f.cfg.MaxSnapshots, want.MaxSnapshots)
	}
	if f.cfg.MinWeight != want.MinWeight {
		t.Fatalf("MinWeight = %v, want %v", f.cfg.MinWeight, want.MinWeight)
	}
}

func TestDecayEvictsLowWeight(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.MinWeight = 0.2
	f := New("node-test", cfg)
	f.AddObject(obj("weak", []int{1}, []float64{1}, 0.1), 0.0, 0.0)
	f.AddObject(obj("strong", []int{2}, []float64{1}, 0.9), 0.9, 0.9)

	// Fresh entries have near-zero longevity; "weak" sits below MinWeight
	// on security alone.
	evicted := f.DecayWeights()
	if len(evicted) != 1 || evicted[0] != "weak" {
		t.Fatalf("evicted = %v, want [weak]", evicted)
	}
	if f.Contains("weak") {
		t.Fatalf("weak entry should be gone")
	}
	if !f.Contains("strong") {
		t.Fatalf("strong entry should survive")
	}
}

func TestApplyDeltaReplay(t *testing.T) {
	testlog.Start(t)
	source := New("node-a", DefaultConfig())
	source.AddObject(obj("m1", []int{1}, []float64{1}, 0.9), 0.9, 0.5)
	source.AddObject(obj("m2", []int{2}, []float64{1}, 0.9), 0.9, 0.5)
	source.RemoveObject("m1")

	follower := New("node-b", DefaultConfig())
	for _, d := range source.GetDeltasSince("") {
		follower.ApplyDelta(d)
	}
	if follower.Contains("m1") {
		t.Fatalf("m1 should have been removed by replay")
	}
	if !follower.Contains("m2") {
		t.Fatalf("m2 should exist after replay")
	}
}

func TestApplyDeltaReplayOrderSemantics(t *testing.T) {
	testlog.Start(t)
	source := New("node-a", DefaultConfig())
	add := source.AddObject(obj("m1", []int{1}, []float64{1}, 0.9), 0.9, 0.5)
	up1 := source.UpdateWeight("m1", 0.8, 0.6)
	up2 := source.UpdateWeight("m1", 0.7, 0.7)

	// Repeated updates to one id: the last applied delta wins.
	forward := New("node-f", DefaultConfig())
	for _, d := range []Delta{*add, *up1, *up2} {
		if !forward.ApplyDelta(d) {
			t.Fatalf("forward replay rejected %s", d.ID)
		}
	}
	reversed := New("node-r", DefaultConfig())
	for _, d := range []Delta{*add, *up2, *up1} {
		if !reversed.ApplyDelta(d) {
			t.Fatalf("reversed replay rejected %s", d.ID)
		}
	}
	fe, _ := forward.GetObject("m1")
	re, _ := reversed.GetObject("m1")
	if fe.Version != up2.NewVersion {
		t.Fatalf("forward version = %d, want %d", fe.Version, up2.NewVersion)
	}
	if re.Version != up1.NewVersion {
		t.Fatalf("reversed version = %d, want %d", re.Version, up1.NewVersion)
	}
	if fe.Version == re.Version {
		t.Fatalf("same-id replay should be order-dependent, both ended at %d", fe.Version)
	}

	// Disjoint ids commute: either order converges.
	a1 := source.AddObject(obj("m2", []int{2}, []float64{1}, 0.9), 0.9, 0.5)
	a2 := source.AddObject(obj("m3", []int{3}, []float64{1}, 0.8), 0.8, 0.4)
	left := New("node-l", DefaultConfig())
	left.ApplyDelta(*a1)
	left.ApplyDelta(*a2)
	right := New("node-x", DefaultConfig())
	right.ApplyDelta(*a2)
	right.ApplyDelta(*a1)

	lids, rids := left.EntryIDs(), right.EntryIDs()
	if len(lids) != 2 || len(rids) != 2 || lids[0] != rids[0] || lids[1] != rids[1] {
		t.Fatalf("disjoint replay diverged: %v vs %v", lids, rids)
	}
	if math.Abs(left.TotalWeight()-right.TotalWeight()) > 1e-9 {
		t.Fatalf("disjoint replay weights diverged: %v vs %v", left.TotalWeight(), right.TotalWeight())
	}
	le, _ := left.GetObject("m2")
	ge, _ := right.GetObject("m2")
	if le.Version != ge.Version {
		t.Fatalf("disjoint replay versions diverged: %d vs %d", le.Version, ge.Version)
	}
}

func TestBlendScores(t *testing.T) {
	testlog.Start(t)
	f := New("node-test", DefaultConfig())
	f.AddObject(obj("m1", []int{1}, []float64{1}, 0.9), 0.5, 0.5)

	if ok := f.BlendScores("m1", 1.0, 1.0, 0.3); !ok {
		t.Fatalf("blend should succeed for known id")
	}
	entry, _ := f.GetObject("m1")
	if math.Abs(entry.Weight.CoherenceScore-0.65) > 1e-9 {
		t.Fatalf("blended coherence = %v, want 0.65", entry.Weight.CoherenceScore)
	}
	if entry.Version != 2 {
		t.Fatalf("blend should bump version")
	}
	if f.BlendScores("missing", 1, 1, 0.3) {
		t.Fatalf("blend of unknown id should be false")
	}
}

func TestFindClustersBasisSelection(t *testing.T) {
	testlog.Start(t)
	var orient memory.Orientation
	orient[0] = 1

	a := obj("a", []int{1, 2}, []float64{1, 1}, 0.7)
	a.Orientation = orient
	b := obj("b", []int{1, 2}, []float64{0.9, 1.1}, 0.95)
	b.Orientation = orient
	c := obj("c", []int{8, 9}, []float64{1, 1}, 0.5)
	var other memory.Orientation
	other[5] = 1
	c.Orientation = other

	clusters := FindClusters([]memory.Object{a, b, c}, 0.9)
	if len(clusters) != 2 {
		t.Fatalf("clusters = %d, want 2", len(clusters))
	}
	if clusters[0].Basis.ID != "b" {
		t.Fatalf("basis = %s, want b (highest coherence)", clusters[0].Basis.ID)
	}
	if len(clusters[0].Satellites) != 1 || clusters[0].Satellites[0].ID != "a" {
		t.Fatalf("satellites = %+v", clusters[0].Satellites)
	}
}

func TestMergeClustersCollapsesSatellites(t *testing.T) {
	testlog.Start(t)
	f := New("node-test", DefaultConfig())
	var orient memory.Orientation
	orient[0] = 1

	a := obj("a", []int{1, 2}, []float64{1, 1}, 0.7)
	a.Orientation = orient
	b := obj("b", []int{1, 2}, []float64{0.9, 1.1}, 0.95)
	b.Orientation = orient
	f.AddObject(a, 0.7, 0.5)
	f.AddObject(b, 0.95, 0.5)

	clusters := FindClusters([]memory.Object{a, b}, 0.9)
	deltas := f.MergeClusters(clusters)

	if f.Contains("a") {
		t.Fatalf("satellite should be merged away")
	}
	if !f.Contains("b") {
		t.Fatalf("basis should remain")
	}
	foundMerge := false
	for _, d := range deltas {
		if d.Type == DeltaMerge && d.ObjectID == "a" {
			foundMerge = true
		}
	}
	if !foundMerge {
		t.Fatalf("expected a merge delta for the satellite, got %+v", deltas)
	}
	entry, _ := f.GetObject("b")
	if entry.Weight.RedundancyScore <= 0.5 {
		t.Fatalf("basis redundancy should be reinforced, got %v", entry.Weight.RedundancyScore)
	}
}
