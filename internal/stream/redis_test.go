package stream

import (
	"testing"

	redis "github.com/redis/go-redis/v9"

	"github.com/lumenboard/asyncevents/pkg/config"
)

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := config.APIConfig{StreamBackend: "memcache"}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestFromMessageCoercesValues(t *testing.T) {
	msg := redis.XMessage{
		ID: "1607471525180-0",
		Values: map[string]interface{}{
			"data":  `{"job_id":"1"}`,
			"count": 7,
		},
	}
	entry := fromMessage(msg)
	if entry.ID != "1607471525180-0" {
		t.Fatalf("unexpected id %q", entry.ID)
	}
	if entry.Values["data"] != `{"job_id":"1"}` {
		t.Fatalf("unexpected data %q", entry.Values["data"])
	}
	if entry.Values["count"] != "7" {
		t.Fatalf("unexpected coerced value %q", entry.Values["count"])
	}
}
