package dedup

import (
	"context"
	"errors"
	"testing"
)

func TestFingerprint_NormalizationCollapsesFormattingNoise(t *testing.T) {
	base := Fingerprint([]byte("# Title\n\nBody text.\n"))

	variants := [][]byte{
		[]byte("# Title\r\n\r\nBody text.\r\n"),
		[]byte("# Title  \n\nBody text.\t\n"),
		[]byte("\n\n# Title\n\nBody text.\n\n\n"),
		[]byte("Generated at: 2026-08-20T10:00:00Z\n# Title\n\nBody text.\n"),
		[]byte("<!-- generated at 2026-08-21 -->\n# Title\n\nBody text.\n"),
	}

	for i, v := range variants {
		if got := Fingerprint(v); got != base {
			t.Errorf("variant %d: fingerprint %s differs from base %s", i, got, base)
		}
	}
}

func TestFingerprint_DistinctContentDiffers(t *testing.T) {
	a := Fingerprint([]byte("article one"))
	b := Fingerprint([]byte("article two"))
	if a == b {
		t.Error("distinct content produced identical fingerprints")
	}
}

func TestDecide_CreateThenSkip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	d := New(store)
	content := []byte("fresh article body")

	dec, err := d.Decide(ctx, content, false)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Action != Create {
		t.Fatalf("expected Create for unseen content, got %v", dec.Action)
	}

	committed, _, err := d.Commit(ctx, dec.Fingerprint, "s3://bucket/articles/"+dec.Fingerprint, false)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !committed {
		t.Fatal("expected first commit to win")
	}

	// Second delivery of the same output must collapse to a skip.
	dec2, err := d.Decide(ctx, content, false)
	if err != nil {
		t.Fatalf("Decide (second): %v", err)
	}
	if dec2.Action != Skip {
		t.Errorf("expected Skip for duplicate content, got %v", dec2.Action)
	}
	if dec2.Existing == nil || dec2.Existing.ArtifactRef == "" {
		t.Error("expected existing record on Skip")
	}
}

func TestDecide_ForceOverridesSkip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	d := New(store)
	content := []byte("reprocessed article")

	dec, _ := d.Decide(ctx, content, false)
	d.Commit(ctx, dec.Fingerprint, "ref-1", false)

	forced, err := d.Decide(ctx, content, true)
	if err != nil {
		t.Fatalf("Decide (forced): %v", err)
	}
	if forced.Action != Create {
		t.Errorf("expected Create on forced reprocess, got %v", forced.Action)
	}

	committed, rec, err := d.Commit(ctx, forced.Fingerprint, "ref-2", true)
	if err != nil {
		t.Fatalf("Commit (forced): %v", err)
	}
	if !committed || rec.ArtifactRef != "ref-2" {
		t.Errorf("expected forced commit to overwrite, got committed=%v ref=%q", committed, rec.ArtifactRef)
	}
}

func TestDecide_StoreOutageFailsTheItem(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.FailWith = errors.New("dynamo unavailable")
	d := New(store)

	if _, err := d.Decide(ctx, []byte("anything"), false); err == nil {
		t.Error("expected lookup outage to fail the decision, not guess")
	}
}

func TestCommit_LosingRaceReturnsWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	d := New(store)
	fp := Fingerprint([]byte("contested content"))

	if won, _, err := d.Commit(ctx, fp, "winner-ref", false); err != nil || !won {
		t.Fatalf("first commit: won=%v err=%v", won, err)
	}

	won, surviving, err := d.Commit(ctx, fp, "loser-ref", false)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if won {
		t.Error("expected second concurrent commit to lose")
	}
	if surviving == nil || surviving.ArtifactRef != "winner-ref" {
		t.Errorf("expected winner's record to survive, got %+v", surviving)
	}
}
