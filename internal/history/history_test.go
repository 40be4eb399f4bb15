package history

import (
	"testing"
	"time"

	"github.com/treykane/remote-viewer/internal/model"
)

func TestTouchAndLastUsed(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := Touch("ana@gpu1:22"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := LastUsed()
	if err != nil {
		t.Fatalf("last used: %v", err)
	}
	if got["ana@gpu1:22"] <= 0 {
		t.Fatalf("expected timestamp for gpu1, got %+v", got)
	}
}

func TestLastUsedWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	got, err := LastUsed()
	if err != nil {
		t.Fatalf("last used: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty history, got %+v", got)
	}
}

func TestSortRecent(t *testing.T) {
	ids := []model.ConnectionIdentity{
		{Host: "db", Port: 22, Username: "ana"},
		{Host: "api", Port: 22, Username: "ana"},
		{Host: "cache", Port: 22, Username: "ana"},
	}
	now := time.Now().Unix()
	sorted := SortRecent(ids, model.ConnectionIdentity.Key, map[string]int64{
		"ana@api:22": now,
		"ana@db:22":  now - 60,
	})
	if sorted[0].Host != "api" || sorted[1].Host != "db" || sorted[2].Host != "cache" {
		t.Fatalf("unexpected order: %+v", sorted)
	}
	if ids[0].Host != "db" {
		t.Fatal("input slice must not be reordered")
	}
}
