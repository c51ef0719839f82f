package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := New(context.Background(), Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := New(context.Background(), Options{Addr: addr}); err == nil {
		t.Fatalf("expected ping error")
	}
}
