package cache

import (
	"testing"
	"time"
)

func TestMemory_SetGet(t *testing.T) {
	c := NewMemory()

	if _, ok := c.Get("missing"); ok {
		t.Error("unexpected hit for a missing key")
	}

	c.Set("k", []byte("v"), 0)
	got, ok := c.Get("k")
	if !ok || string(got) != "v" {
		t.Errorf("got %q/%v, want v/true", got, ok)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	c := NewMemory()
	c.Set("short", []byte("v"), 20*time.Millisecond)

	if _, ok := c.Get("short"); !ok {
		t.Fatal("entry should be live before the TTL")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Error("entry should expire after the TTL")
	}
}

func TestMemory_ZeroTTLNeverExpires(t *testing.T) {
	c := NewMemory()
	c.Set("forever", []byte("v"), 0)
	time.Sleep(10 * time.Millisecond)
	if _, ok := c.Get("forever"); !ok {
		t.Error("zero TTL entry should not expire")
	}
}

func TestMemory_CopiesValue(t *testing.T) {
	c := NewMemory()
	buf := []byte("original")
	c.Set("k", buf, 0)
	buf[0] = 'X'

	got, _ := c.Get("k")
	if string(got) != "original" {
		t.Error("cache must not alias the caller's buffer")
	}
}

func TestJSONHelpers(t *testing.T) {
	type payload struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	c := NewMemory()

	SetJSON(c, "quote", payload{Symbol: "AAPL", Price: 150.25}, time.Minute)

	var out payload
	if !GetJSON(c, "quote", &out) {
		t.Fatal("expected a hit")
	}
	if out.Symbol != "AAPL" || out.Price != 150.25 {
		t.Errorf("round trip = %+v", out)
	}

	if GetJSON(c, "absent", &out) {
		t.Error("miss should report false")
	}

	c.Set("garbage", []byte("{not json"), 0)
	if GetJSON(c, "garbage", &out) {
		t.Error("undecodable entries should report a miss")
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	if _, ok := New(Config{}).(*memory); !ok {
		t.Error("empty redis addr should select the in-memory cache")
	}
	if _, ok := New(Config{RedisAddr: "localhost:6379"}).(*redisCache); !ok {
		t.Error("a redis addr should select the redis cache")
	}
}
