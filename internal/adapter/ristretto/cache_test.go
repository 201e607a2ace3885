package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/adapter/ristretto"
)

func TestCache(t *testing.T) {
	c, err := ristretto.New(1)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "task.t1", []byte(`{"id":"t1"}`), time.Minute); err != nil {
		t.Fatal(err)
	}
	val, ok, err := c.Get(ctx, "task.t1")
	if err != nil || !ok || string(val) != `{"id":"t1"}` {
		t.Fatalf("expected hit, got %q %v %v", val, ok, err)
	}

	_ = c.Delete(ctx, "task.t1")
	if _, ok, _ := c.Get(ctx, "task.t1"); ok {
		t.Error("expected miss after delete")
	}
}

func TestNewRejectsZeroSize(t *testing.T) {
	if _, err := ristretto.New(0); err == nil {
		t.Error("expected error")
	}
}
