//go:build property

package fetchcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCacheProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("entry is served iff younger than the TTL", prop.ForAll(
		func(ttlMs, ageMs int64) bool {
			clock := clockwork.NewFakeClock()
			ttl := time.Duration(ttlMs) * time.Millisecond
			cache := NewCache(ttl, 4, clock)
			cache.Set("/k", Fragment{HTML: "x"})
			clock.Advance(time.Duration(ageMs) * time.Millisecond)

			_, ok := cache.Get("/k")
			return ok == (ageMs < ttlMs)
		},
		gen.Int64Range(1, 10_000),
		gen.Int64Range(0, 20_000),
	))

	properties.Property("size never exceeds the bound", prop.ForAll(
		func(max, inserts int) bool {
			cache := NewCache(time.Hour, max, clockwork.NewFakeClock())
			for i := 0; i < inserts; i++ {
				cache.Set(fmt.Sprintf("/p%d", i%(max*2)), Fragment{})
			}
			return cache.Len() <= max
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
