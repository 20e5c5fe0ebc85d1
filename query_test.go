package tidekv

import (
	"fmt"
	"testing"
)

func kvMap(kvs []KV) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = string(kv.Value)
	}
	return out
}

func assertAscending(t *testing.T, kvs []KV) {
	t.Helper()
	for i := 1; i < len(kvs); i++ {
		if string(kvs[i-1].Key) >= string(kvs[i].Key) {
			t.Fatalf("expected ascending order, got %q before %q", kvs[i-1].Key, kvs[i].Key)
		}
	}
}

func TestRangeAcrossMemtableAndSSTable(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 5, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	for i := 0; i < 5; i++ {
		if err := e.Put([]byte(fmt.Sprintf("a%d", i)), []byte("flushed")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	waitForSSTableCount(t, e, 1)

	for i := 0; i < 3; i++ {
		if err := e.Put([]byte(fmt.Sprintf("b%d", i)), []byte("in-memtable")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	kvs := e.Range([]byte("a"), []byte("z"))
	assertAscending(t, kvs)
	got := kvMap(kvs)
	if len(got) != 8 {
		t.Fatalf("expected 8 entries, got %d: %v", len(got), got)
	}
	if got["a0"] != "flushed" || got["b0"] != "in-memtable" {
		t.Fatalf("unexpected values: %v", got)
	}
}

func TestRangeNewerMemtableValueWinsOverSSTable(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 1, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("old")); err != nil {
		t.Fatalf("put old: %v", err)
	}
	waitForSSTableCount(t, e, 1)

	if err := e.Put([]byte("k"), []byte("new")); err != nil {
		t.Fatalf("put new: %v", err)
	}

	got := kvMap(e.Range([]byte("a"), []byte("z")))
	if got["k"] != "new" {
		t.Fatalf("expected newest value to win, got %q", got["k"])
	}
}

func TestLessThanAndGreaterThan(t *testing.T) {
	e := openTestEngine(t, 1000)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := e.Put([]byte(k), []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	lt := kvMap(e.LessThan([]byte("c")))
	if len(lt) != 2 || lt["a"] == "" || lt["b"] == "" {
		t.Fatalf("unexpected LessThan result: %v", lt)
	}

	lte := kvMap(e.LessThanEq([]byte("c")))
	if len(lte) != 3 {
		t.Fatalf("unexpected LessThanEq result: %v", lte)
	}

	gt := kvMap(e.GreaterThan([]byte("c")))
	if len(gt) != 2 || gt["d"] == "" || gt["e"] == "" {
		t.Fatalf("unexpected GreaterThan result: %v", gt)
	}

	gte := kvMap(e.GreaterThanEq([]byte("c")))
	if len(gte) != 3 {
		t.Fatalf("unexpected GreaterThanEq result: %v", gte)
	}
}

func TestNGetExcludesOnlyGivenKey(t *testing.T) {
	e := openTestEngine(t, 1000)
	for _, k := range []string{"a", "b", "c"} {
		if err := e.Put([]byte(k), []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got := kvMap(e.NGet([]byte("b")))
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(got), got)
	}
	if _, present := got["b"]; present {
		t.Fatal("expected b to be excluded")
	}
}

func TestNRangeExcludesBoundedKeys(t *testing.T) {
	e := openTestEngine(t, 1000)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := e.Put([]byte(k), []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got := kvMap(e.NRange([]byte("b"), []byte("d")))
	if len(got) != 2 || got["a"] == "" || got["e"] == "" {
		t.Fatalf("unexpected NRange result: %v", got)
	}
}

func TestRangeOmitsTombstonedKeys(t *testing.T) {
	e := openTestEngine(t, 1000)
	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := e.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := e.Delete([]byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got := kvMap(e.Range([]byte("a"), []byte("z")))
	if _, present := got["a"]; present {
		t.Fatal("expected tombstoned key a to be omitted")
	}
	if got["b"] != "2" {
		t.Fatalf("expected b=2, got %v", got)
	}
}
