package embedkv

import (
	"sort"
	"testing"

	"github.com/jsteemann/embedkv/blockstore"
	"github.com/jsteemann/embedkv/codec"
)

func newTestEngine(t *testing.T, opts Options) *RecordManager {
	t.Helper()
	dev := blockstore.NewMem(nil)
	rm, err := OpenDevice(dev, opts)
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	t.Cleanup(func() { _ = rm.Close() })
	return rm
}

func createStringTree(t *testing.T, rm *RecordManager, name string, allowDup bool) {
	t.Helper()
	if err := rm.CreateTree(name, "string", stringCodec{}, "string", stringCodec{}, allowDup); err != nil {
		t.Fatalf("CreateTree: %v", err)
	}
}

func browse(t *testing.T, snap *Snapshot, tree string) []struct {
	K string
	V string
} {
	t.Helper()
	cur, err := snap.Cursor(tree)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	var out []struct {
		K string
		V string
	}
	for {
		k, v, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		out = append(out, struct {
			K string
			V string
		}{k.(string), v.(string)})
	}
	return out
}

// S1: page size 512, branching 4, duplicates off.
func TestInsertAndBrowse_S1(t *testing.T) {
	rm := newTestEngine(t, Options{PageSize: 512, BranchingFactor: 4})
	createStringTree(t, rm, "t", false)

	w := rm.BeginWrite()
	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}, {"d", "4"}, {"e", "5"}} {
		if err := w.Insert("t", kv[0], kv[1]); err != nil {
			t.Fatalf("Insert(%q): %v", kv[0], err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap := rm.BeginRead()
	defer snap.Close()

	got := browse(t, snap, "t")
	want := []string{"a=1", "b=2", "c=3", "d=4", "e=5"}
	if len(got) != len(want) {
		t.Fatalf("browse length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].K+"="+got[i].V != w {
			t.Errorf("tuple %d = %s=%s, want %s", i, got[i].K, got[i].V, w)
		}
	}

	vs, err := snap.Get("t", "c")
	if err != nil || len(vs) != 1 || vs[0].(string) != "3" {
		t.Errorf("Get(c) = %v, %v, want [3]", vs, err)
	}

	n, err := snap.NbElems("t")
	if err != nil || n != 5 {
		t.Errorf("NbElems = %d, %v, want 5", n, err)
	}
}

// S2: delete a key, assert KeyNotFound and the remaining sequence.
func TestDelete_S2(t *testing.T) {
	rm := newTestEngine(t, Options{PageSize: 512, BranchingFactor: 4})
	createStringTree(t, rm, "t", false)

	w := rm.BeginWrite()
	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}, {"d", "4"}, {"e", "5"}} {
		_ = w.Insert("t", kv[0], kv[1])
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	w = rm.BeginWrite()
	if err := w.Delete("t", "c"); err != nil {
		t.Fatalf("Delete(c): %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap := rm.BeginRead()
	defer snap.Close()

	if _, err := snap.Get("t", "c"); err == nil {
		t.Errorf("Get(c) after delete: want ErrKeyNotFound, got nil error")
	} else if e, ok := err.(*Error); !ok || e.Kind != ErrKindKeyNotFound {
		t.Errorf("Get(c) after delete: want ErrKindKeyNotFound, got %v", err)
	}

	got := browse(t, snap, "t")
	want := []string{"a", "b", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("browse after delete = %v, want keys %v", got, want)
	}
	for i, k := range want {
		if got[i].K != k {
			t.Errorf("tuple %d key = %s, want %s", i, got[i].K, k)
		}
	}

	n, err := snap.NbElems("t")
	if err != nil || n != 4 {
		t.Errorf("NbElems after delete = %d, %v, want 4", n, err)
	}
}

// S3: duplicate values promote to a sub-tree past VUp and demote back to
// inline once they drop to VLow.
func TestDuplicateValuePromotionAndDemotion_S3(t *testing.T) {
	rm := newTestEngine(t, Options{PageSize: 512, BranchingFactor: 4, VUp: 2, VLow: 1})
	createStringTree(t, rm, "t", true)

	w := rm.BeginWrite()
	for _, v := range []string{"1", "2", "3"} {
		if err := w.Insert("t", "k", v); err != nil {
			t.Fatalf("Insert(k,%s): %v", v, err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap := rm.BeginRead()
	vs, err := snap.Get("t", "k")
	if err != nil {
		t.Fatalf("Get(k): %v", err)
	}
	if len(vs) != 3 {
		t.Fatalf("Get(k) = %v, want 3 values", vs)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].(string) < vs[j].(string) })
	for i, want := range []string{"1", "2", "3"} {
		if vs[i].(string) != want {
			t.Errorf("value %d = %v, want %s", i, vs[i], want)
		}
	}

	got := browse(t, snap, "t")
	if len(got) != 3 {
		t.Fatalf("browse = %v, want 3 tuples", got)
	}

	ok, err := snap.Contains("t", "k", "2")
	if err != nil || !ok {
		t.Errorf("Contains(k,2) = %v, %v, want true", ok, err)
	}
	snap.Close()

	w = rm.BeginWrite()
	if err := w.DeleteValue("t", "k", "2"); err != nil {
		t.Fatalf("DeleteValue(k,2): %v", err)
	}
	if err := w.DeleteValue("t", "k", "3"); err != nil {
		t.Fatalf("DeleteValue(k,3): %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap = rm.BeginRead()
	defer snap.Close()
	vs, err = snap.Get("t", "k")
	if err != nil || len(vs) != 1 || vs[0].(string) != "1" {
		t.Errorf("Get(k) after demotion = %v, %v, want [1]", vs, err)
	}
}

// P9: inserting the same key twice on a unique-key tree (the second
// insert replacing the value) increments nb_elems only once.
func TestInsertIdempotence_P9(t *testing.T) {
	rm := newTestEngine(t, Options{})
	createStringTree(t, rm, "t", false)

	w := rm.BeginWrite()
	if err := w.Insert("t", "k", "v1"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w.Insert("t", "k", "v2"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap := rm.BeginRead()
	defer snap.Close()
	vs, err := snap.Get("t", "k")
	if err != nil || len(vs) != 1 || vs[0].(string) != "v2" {
		t.Errorf("Get(k) = %v, %v, want [v2]", vs, err)
	}
	n, err := snap.NbElems("t")
	if err != nil || n != 1 {
		t.Errorf("NbElems = %d, %v, want 1", n, err)
	}
}

// P4/S4: a reader snapshot observes a fixed view regardless of
// concurrent writers.
func TestSnapshotIsolation_S4(t *testing.T) {
	rm := newTestEngine(t, Options{BranchingFactor: 4})
	createStringTree(t, rm, "t", false)

	w := rm.BeginWrite()
	for i := 0; i < 20; i++ {
		if err := w.Insert("t", string(rune('a'+i)), "v"); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snapA := rm.BeginRead()
	nA, err := snapA.NbElems("t")
	if err != nil || nA != 20 {
		t.Fatalf("NbElems on snapA = %d, %v, want 20", nA, err)
	}

	w = rm.BeginWrite()
	for i := 0; i < 10; i++ {
		if err := w.Delete("t", string(rune('a'+i))); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	gotA := browse(t, snapA, "t")
	if len(gotA) != 20 {
		t.Errorf("snapA browse after concurrent delete = %d tuples, want 20 (stale view)", len(gotA))
	}
	snapA.Close()

	snapB := rm.BeginRead()
	defer snapB.Close()
	gotB := browse(t, snapB, "t")
	if len(gotB) != 10 {
		t.Errorf("snapB browse = %d tuples, want 10", len(gotB))
	}
}

// S5: persistence across a reopen of the same (in this case in-memory)
// device.
func TestPersistenceAcrossReopen_S5(t *testing.T) {
	dev := blockstore.NewMem(nil)
	opts := Options{PageSize: 512, BranchingFactor: 8, Codecs: map[string]codec.Codec{"string": stringCodec{}}}
	rm, err := OpenDevice(dev, opts)
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	createStringTree(t, rm, "t", false)

	const n = 500
	w := rm.BeginWrite()
	for i := 0; i < n; i++ {
		k := fmtKey(i)
		if err := w.Insert("t", k, k+"-value"); err != nil {
			t.Fatalf("Insert(%s): %v", k, err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := rm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := blockstore.NewMem(dev.Bytes())
	rm2, err := OpenDevice(reopened, opts)
	if err != nil {
		t.Fatalf("reopen OpenDevice: %v", err)
	}
	defer rm2.Close()

	// Codecs are resolved by id at Open time from opts.Codecs, which the
	// reopen above passes the way a real embedder would at startup.
	snap := rm2.BeginRead()
	defer snap.Close()

	count, err := snap.NbElems("t")
	if err != nil || count != n {
		t.Fatalf("NbElems after reopen = %d, %v, want %d", count, err, n)
	}
	for i := 0; i < n; i++ {
		k := fmtKey(i)
		vs, err := snap.Get("t", k)
		if err != nil || len(vs) != 1 || vs[0].(string) != k+"-value" {
			t.Fatalf("Get(%s) after reopen = %v, %v", k, vs, err)
		}
	}
}

func fmtKey(i int) string {
	const digits = "0123456789"
	b := []byte{digits[i/100%10], digits[i/10%10], digits[i%10]}
	return string(b)
}

// P10: N calls to Next return the same multiset as N calls to Prev from
// AfterLast.
func TestCursorReversibility_P10(t *testing.T) {
	rm := newTestEngine(t, Options{BranchingFactor: 4})
	createStringTree(t, rm, "t", false)

	w := rm.BeginWrite()
	keys := []string{"a", "b", "c", "d", "e", "f", "g"}
	for _, k := range keys {
		if err := w.Insert("t", k, k); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap := rm.BeginRead()
	defer snap.Close()

	fwd, err := snap.Cursor("t")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	var forward []string
	for {
		k, _, ok, err := fwd.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		forward = append(forward, k.(string))
	}

	back, err := snap.Cursor("t")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	back.AfterLast()
	var backward []string
	for {
		k, _, ok, err := back.Prev()
		if err != nil {
			t.Fatalf("Prev: %v", err)
		}
		if !ok {
			break
		}
		backward = append(backward, k.(string))
	}
	for i, j := 0, len(backward)-1; i < j; i, j = i+1, j-1 {
		backward[i], backward[j] = backward[j], backward[i]
	}

	if len(forward) != len(backward) {
		t.Fatalf("forward = %v, backward(reversed) = %v", forward, backward)
	}
	for i := range forward {
		if forward[i] != backward[i] {
			t.Errorf("tuple %d: forward=%s backward=%s", i, forward[i], backward[i])
		}
	}
}

// P11/split-merge: forcing several levels of splits and then deleting
// every key keeps the page graph sound under CheckIntegrity, and drains
// the tree back to empty without error. Per-node occupancy is not
// asserted here.
func TestManyInsertsThenDeletes_P11(t *testing.T) {
	rm := newTestEngine(t, Options{PageSize: 64, BranchingFactor: 4})
	createStringTree(t, rm, "t", false)

	const n = 300
	w := rm.BeginWrite()
	for i := 0; i < n; i++ {
		k := fmtKey(i)
		if err := w.Insert("t", k, k); err != nil {
			t.Fatalf("Insert(%s): %v", k, err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := rm.CheckIntegrity(); err != nil {
		t.Fatalf("CheckIntegrity after inserts: %v", err)
	}

	w = rm.BeginWrite()
	for i := 0; i < n; i++ {
		if err := w.Delete("t", fmtKey(i)); err != nil {
			t.Fatalf("Delete(%s): %v", fmtKey(i), err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := rm.CheckIntegrity(); err != nil {
		t.Fatalf("CheckIntegrity after deletes: %v", err)
	}

	snap := rm.BeginRead()
	defer snap.Close()
	count, err := snap.NbElems("t")
	if err != nil || count != 0 {
		t.Fatalf("NbElems after draining = %d, %v, want 0", count, err)
	}
	got := browse(t, snap, "t")
	if len(got) != 0 {
		t.Fatalf("browse after draining = %v, want empty", got)
	}
}

// CreateTree rejects a name collision.
func TestCreateTreeNameCollision(t *testing.T) {
	rm := newTestEngine(t, Options{})
	createStringTree(t, rm, "t", false)
	err := rm.CreateTree("t", "string", stringCodec{}, "string", stringCodec{}, false)
	if e, ok := err.(*Error); !ok || e.Kind != ErrKindTreeExists {
		t.Fatalf("CreateTree duplicate name = %v, want ErrKindTreeExists", err)
	}
}

// Free-page reclamation: once pages are superseded by a commit, later
// writes reuse their offsets instead of growing the file without bound.
func TestFreePageReuse(t *testing.T) {
	dev := blockstore.NewMem(nil)
	rm, err := OpenDevice(dev, Options{PageSize: 512, BranchingFactor: 4})
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	defer rm.Close()
	createStringTree(t, rm, "t", false)

	w := rm.BeginWrite()
	for i := 0; i < 50; i++ {
		_ = w.Insert("t", fmtKey(i), fmtKey(i))
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	w = rm.BeginWrite()
	for i := 0; i < 50; i++ {
		_ = w.Delete("t", fmtKey(i))
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	sizeAfterDeletes, _ := dev.Size()

	w = rm.BeginWrite()
	for i := 0; i < 50; i++ {
		_ = w.Insert("t", fmtKey(i), fmtKey(i))
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	sizeAfterReinsert, _ := dev.Size()

	if sizeAfterReinsert > sizeAfterDeletes {
		t.Errorf("file grew from %d to %d bytes on reinsert; want reclaimed pages reused", sizeAfterDeletes, sizeAfterReinsert)
	}
}

// Pages superseded while a reader snapshot is open must stay off the free
// list until that snapshot closes (spec section 2 Lifecycle (a)): reusing
// them earlier would let a later commit overwrite data the snapshot can
// still reach.
func TestFreePageReuseBlockedByOpenSnapshot(t *testing.T) {
	dev := blockstore.NewMem(nil)
	rm, err := OpenDevice(dev, Options{PageSize: 512, BranchingFactor: 4})
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	defer rm.Close()
	createStringTree(t, rm, "t", false)

	w := rm.BeginWrite()
	for i := 0; i < 50; i++ {
		_ = w.Insert("t", fmtKey(i), fmtKey(i))
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap := rm.BeginRead()

	w = rm.BeginWrite()
	for i := 0; i < 50; i++ {
		_ = w.Delete("t", fmtKey(i))
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	sizeWithSnapshotOpen, _ := dev.Size()

	w = rm.BeginWrite()
	for i := 0; i < 50; i++ {
		_ = w.Insert("t", fmtKey(i), fmtKey(i))
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	sizeStillPinned, _ := dev.Size()
	if sizeStillPinned <= sizeWithSnapshotOpen {
		t.Errorf("file did not grow while snap pinned an older revision (%d -> %d); pages were reused out from under it", sizeWithSnapshotOpen, sizeStillPinned)
	}

	if got := browse(t, snap, "t"); len(got) != 50 {
		t.Errorf("snap browse after two concurrent commits = %d tuples, want 50 (stale view undisturbed)", len(got))
	}
	if err := snap.Close(); err != nil {
		t.Fatalf("snap.Close: %v", err)
	}

	w = rm.BeginWrite()
	for i := 0; i < 50; i++ {
		_ = w.Delete("t", fmtKey(i))
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	w = rm.BeginWrite()
	for i := 0; i < 50; i++ {
		_ = w.Insert("t", fmtKey(i), fmtKey(i))
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	sizeAfterClose, _ := dev.Size()
	if sizeAfterClose > sizeStillPinned {
		t.Errorf("file grew from %d to %d after snap closed; want pages reclaimed and reused", sizeStillPinned, sizeAfterClose)
	}
}
