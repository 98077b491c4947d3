package directory

import (
	"context"
	"testing"

	"github.com/gestia/tramite/model"
)

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()

	unitID := int64(7)
	d.PutUnit(model.Unit{ID: unitID, Name: "Logistics Company", Tier: model.TierCompany})
	d.PutActor(model.Actor{
		ID: "user-garcia", Name: "A. Garcia", Email: "garcia@example.com",
		UnitID: &unitID, Roles: []string{"user"},
	})

	a, err := d.GetActor(ctx, "user-garcia")
	if err != nil {
		t.Fatalf("GetActor error: %v", err)
	}
	if a.UnitID == nil || *a.UnitID != 7 {
		t.Errorf("UnitID = %v, want 7", a.UnitID)
	}

	u, err := d.GetUnit(ctx, 7)
	if err != nil {
		t.Fatalf("GetUnit error: %v", err)
	}
	if u.Tier != model.TierCompany {
		t.Errorf("Tier = %q", u.Tier)
	}

	if _, err := d.GetActor(ctx, "nobody"); err == nil {
		t.Error("expected not found for unknown actor")
	}
	if _, err := d.GetUnit(ctx, 999); err == nil {
		t.Error("expected not found for unknown unit")
	}
}
