package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

const testKey = "gwk_live_0123456789abcdef"

func withToken(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", token))
}

type fakeCallerStore struct {
	rows    map[string]*callerRow
	err     error
	lookups atomic.Int32
}

func (f *fakeCallerStore) LookupByPrefix(_ context.Context, prefix string) (*callerRow, error) {
	f.lookups.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.rows[prefix]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return r, nil
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]struct {
		ctx  context.Context
		want error
	}{
		"no metadata":  {context.Background(), ErrUnauthenticated},
		"wrong prefix": {withToken("Bearer tsk_0123456789"), ErrUnauthenticated},
		"too short":    {withToken("Bearer gwk_1"), ErrUnauthenticated},
		"valid":        {withToken("Bearer " + testKey), nil},
		"lowercase":    {withToken("bearer " + testKey), nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ExtractBearerToken(tc.ctx)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestStaticAuthenticator(t *testing.T) {
	c, err := NewStaticAuthenticator(ModeShadow).Authenticate(withToken("Bearer " + testKey))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Shadow() || c.CallerID != "static-gwk_live_012" {
		t.Fatalf("unexpected caller %+v", c)
	}
	if c, _ := NewStaticAuthenticator("bogus").Authenticate(withToken(testKey)); c.Shadow() {
		t.Fatal("unknown modes enforce")
	}
}

func TestPostgresAuthenticator_ValidKeyIsCached(t *testing.T) {
	store := &fakeCallerStore{rows: map[string]*callerRow{
		testKey[:12]: {CallerID: "gw-1", APIKeyHash: hashKey(t, testKey), Mode: ModeShadow},
	}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, false, zap.NewNop())

	for i := 0; i < 3; i++ {
		c, err := a.Authenticate(withToken("Bearer " + testKey))
		if err != nil {
			t.Fatal(err)
		}
		if c.CallerID != "gw-1" || !c.Shadow() {
			t.Fatalf("unexpected caller %+v", c)
		}
	}
	if store.lookups.Load() != 1 {
		t.Fatalf("expected 1 lookup, got %d", store.lookups.Load())
	}
}

func TestPostgresAuthenticator_Rejections(t *testing.T) {
	store := &fakeCallerStore{rows: map[string]*callerRow{
		testKey[:12]:   {CallerID: "gw-1", APIKeyHash: hashKey(t, "gwk_live_somethingelse")},
		"gwk_disabled": {CallerID: "gw-2", APIKeyHash: hashKey(t, "gwk_disabled_key"), Disabled: true},
	}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, true, zap.NewNop())

	for _, key := range []string{testKey, "gwk_disabled_key", "gwk_unknown_key"} {
		if _, err := a.Authenticate(withToken("Bearer " + key)); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated even when failing open, got %v", key, err)
		}
	}
}

func TestPostgresAuthenticator_StoreFailure(t *testing.T) {
	store := &fakeCallerStore{err: errors.New("connection refused")}

	closed := NewPostgresAuthenticatorWithStore(store, time.Minute, false, zap.NewNop())
	if _, err := closed.Authenticate(withToken(testKey)); err == nil || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected store error, got %v", err)
	}

	open := NewPostgresAuthenticatorWithStore(store, time.Minute, true, zap.NewNop())
	c, err := open.Authenticate(withToken(testKey))
	if err != nil {
		t.Fatal(err)
	}
	if c.CallerID != "unknown" || c.Shadow() {
		t.Fatalf("fail-open caller must enforce, got %+v", c)
	}
}

func TestCallerCache_StaleWhileRevalidate(t *testing.T) {
	c := NewCallerCache(10 * time.Millisecond)
	c.Set("k", &Caller{CallerID: "a"})
	if r := c.Get("k"); !r.Hit || r.NeedsRefresh {
		t.Fatalf("fresh entry: %+v", r)
	}
	time.Sleep(20 * time.Millisecond)

	first := c.Get("k")
	second := c.Get("k")
	if !first.Hit || !first.NeedsRefresh || first.Caller.CallerID != "a" {
		t.Fatalf("stale entry: %+v", first)
	}
	if second.NeedsRefresh {
		t.Fatal("only one caller may refresh")
	}

	c.Delete("k")
	if c.Get("k").Hit {
		t.Fatal("expected miss after delete")
	}
}

func TestIncomingContext_FromHTTPHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/guards", nil)
	r.Header.Set("Authorization", "Bearer "+testKey)
	token, err := ExtractBearerToken(IncomingContext(r))
	if err != nil || token != testKey {
		t.Fatalf("got %q %v", token, err)
	}

	bare := httptest.NewRequest("GET", "/v1/guards", nil)
	if _, err := ExtractBearerToken(IncomingContext(bare)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
