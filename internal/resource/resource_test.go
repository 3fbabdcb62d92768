package resource

import (
	"testing"
	"time"

	"github.com/roosthq/roost/internal/config"
)

func TestInstanceNaming(t *testing.T) {
	cfg := config.DefaultPool()
	i := NewInstance("db", 3, cfg)
	if i.Name() != "db/3" {
		t.Fatalf("name = %q, want db/3", i.Name())
	}
	if i.PoolName() != "db" || i.PoolSize() != cfg.Size {
		t.Fatalf("pool binding = %s/%d", i.PoolName(), i.PoolSize())
	}
}

func TestExpireLatch(t *testing.T) {
	i := NewInstance("db", 1, config.DefaultPool())
	if i.Expired() {
		t.Fatal("fresh instance already expired")
	}
	i.Expire()
	if !i.Expired() {
		t.Fatal("Expire did not latch")
	}
	i.ResetIdle() // must not unexpire
	if !i.Expired() {
		t.Fatal("ResetIdle unexpired a latched instance")
	}
	if i.TTL() != 0 {
		t.Fatalf("TTL = %v for expired instance, want 0", i.TTL())
	}
}

func TestIdleTimeoutLatches(t *testing.T) {
	cfg := config.Pool{Size: 1, IdleTimeout: 10 * time.Millisecond}
	i := NewInstance("db", 1, cfg)
	time.Sleep(20 * time.Millisecond)
	if !i.Expired() {
		t.Fatal("idle timeout did not expire the instance")
	}
	// observing the timeout latched it; a late ResetIdle cannot revive it
	i.ResetIdle()
	if !i.Expired() {
		t.Fatal("instance unexpired after observed timeout")
	}
}

func TestResetIdleExtends(t *testing.T) {
	cfg := config.Pool{Size: 1, IdleTimeout: 40 * time.Millisecond}
	i := NewInstance("db", 1, cfg)
	for n := 0; n < 3; n++ {
		time.Sleep(20 * time.Millisecond)
		i.ResetIdle()
	}
	if i.Expired() {
		t.Fatal("instance expired despite idle resets")
	}
}

func TestTTL(t *testing.T) {
	cfg := config.Pool{Size: 1, IdleTimeout: time.Minute, MaxAge: time.Second}
	i := NewInstance("db", 1, cfg)
	if ttl := i.TTL(); ttl > time.Second || ttl <= 0 {
		t.Fatalf("TTL = %v, want bounded by max age", ttl)
	}

	unbounded := NewInstance("db", 2, config.Pool{Size: 1})
	if ttl := unbounded.TTL(); ttl < time.Hour {
		t.Fatalf("TTL = %v without timeouts, want effectively forever", ttl)
	}
}

func TestTransactionState(t *testing.T) {
	i := NewInstance("db", 1, config.DefaultPool())
	if _, ok := i.CurrentTransaction(); ok {
		t.Fatal("fresh instance reports a transaction")
	}
	i.SetTransaction(Transaction{XID: "x1", SourceModule: "orders"})
	xa, ok := i.CurrentTransaction()
	if !ok || xa.XID != "x1" || xa.SourceModule != "orders" {
		t.Fatalf("transaction = %+v, %v", xa, ok)
	}
	i.ClearTransaction()
	if _, ok := i.CurrentTransaction(); ok {
		t.Fatal("transaction survived ClearTransaction")
	}
}
