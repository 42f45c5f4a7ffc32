package userdir

import (
	"context"
	"testing"
	"time"

	"github.com/muaviaUsmani/duebook/internal/store"
)

func TestStatic(t *testing.T) {
	dir := NewStatic("UTC")
	dir.Set(1, "Asia/Shanghai")

	tz, _ := dir.Timezone(context.Background(), 1)
	if tz != "Asia/Shanghai" {
		t.Errorf("Expected Asia/Shanghai, got %s", tz)
	}
	tz, _ = dir.Timezone(context.Background(), 2)
	if tz != "UTC" {
		t.Errorf("Expected fallback UTC, got %s", tz)
	}
}

func TestSQL(t *testing.T) {
	db, err := store.OpenMemory(t.Name(), nil)
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	dir := NewSQL(db, "Europe/Berlin")
	if err := dir.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	ctx := context.Background()

	tz, err := dir.Timezone(ctx, 5)
	if err != nil {
		t.Fatalf("Timezone failed: %v", err)
	}
	if tz != "Europe/Berlin" {
		t.Errorf("Expected fallback for unknown owner, got %s", tz)
	}

	if err := dir.SetTimezone(ctx, 5, "America/New_York"); err != nil {
		t.Fatalf("SetTimezone failed: %v", err)
	}
	if err := dir.SetTimezone(ctx, 5, "Asia/Tokyo"); err != nil {
		t.Fatalf("SetTimezone (update) failed: %v", err)
	}
	tz, _ = dir.Timezone(ctx, 5)
	if tz != "Asia/Tokyo" {
		t.Errorf("Expected Asia/Tokyo, got %s", tz)
	}

	if err := dir.SetTimezone(ctx, 6, "Mars/Olympus"); err == nil {
		t.Error("Expected error for invalid timezone")
	}
}

func TestLocator(t *testing.T) {
	dir := NewStatic("")
	dir.Set(1, "Asia/Shanghai")
	dir.Set(2, "Not/AZone")
	loc := NewLocator(dir, time.UTC)
	ctx := context.Background()

	got, err := loc.Location(ctx, 1)
	if err != nil {
		t.Fatalf("Location failed: %v", err)
	}
	if got.String() != "Asia/Shanghai" {
		t.Errorf("Expected Asia/Shanghai, got %s", got)
	}

	got, err = loc.Location(ctx, 2)
	if err != nil {
		t.Fatalf("Location failed: %v", err)
	}
	if got != time.UTC {
		t.Errorf("Expected fallback for invalid zone, got %s", got)
	}

	got, _ = loc.Location(ctx, 3)
	if got != time.UTC {
		t.Errorf("Expected fallback for empty zone, got %s", got)
	}
}
