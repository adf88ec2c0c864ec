package session

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v9"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func owner() Principal {
	return Principal{RestaurantID: "r1", Role: RoleOwner, Token: "tok"}
}

func TestPrincipalValidate(t *testing.T) {
	tests := []struct {
		name string
		p    Principal
		ok   bool
	}{
		{"owner", owner(), true},
		{"guest", Principal{RestaurantID: "r1", DeviceID: "d1", Role: RoleGuest, Token: "t"}, true},
		{"guest without device", Principal{RestaurantID: "r1", Role: RoleGuest, Token: "t"}, false},
		{"missing restaurant", Principal{Role: RoleStaff, Token: "t"}, false},
		{"missing token", Principal{RestaurantID: "r1", Role: RoleChef}, false},
		{"bad role", Principal{RestaurantID: "r1", Role: "admin", Token: "t"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidPrincipal) {
				t.Fatalf("err = %v, want ErrInvalidPrincipal", err)
			}
		})
	}
}

func testLifecycle(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()

	s := New(kv, log)
	if _, err := s.Principal(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("fresh session: err = %v", err)
	}
	if _, err := s.Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("load empty: err = %v", err)
	}
	if err := s.Init(ctx, owner()); err != nil {
		t.Fatal(err)
	}

	// A second session over the same storage survives a "reload".
	reloaded := New(kv, log)
	p, err := reloaded.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p != owner() {
		t.Fatalf("loaded %+v", p)
	}

	// Re-init overwrites.
	next := owner()
	next.Token = "tok2"
	if err := reloaded.Init(ctx, next); err != nil {
		t.Fatal(err)
	}
	if p, _ := New(kv, log).Load(ctx); p.Token != "tok2" {
		t.Fatalf("token = %q after re-init", p.Token)
	}

	if err := reloaded.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := reloaded.Principal(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("after clear: err = %v", err)
	}
	if _, err := New(kv, log).Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("load after clear: err = %v", err)
	}
}

func TestSessionMemory(t *testing.T) {
	testLifecycle(t, NewMemoryKV())
}

func TestSessionRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	testLifecycle(t, NewRedisKV(rdb, 0))
}

func TestSessionGorm(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()
	kv, err := NewGormKV(db)
	if err != nil {
		t.Fatal(err)
	}
	testLifecycle(t, kv)
}

func TestInitRejectsInvalid(t *testing.T) {
	kv := NewMemoryKV()
	s := New(kv, zaptest.NewLogger(t).Sugar())
	err := s.Init(context.Background(), Principal{Role: RoleOwner})
	if !errors.Is(err, ErrInvalidPrincipal) {
		t.Fatalf("err = %v", err)
	}
	if _, err := kv.Get(context.Background(), principalKey); !errors.Is(err, ErrNotFound) {
		t.Fatal("invalid principal was persisted")
	}
}
