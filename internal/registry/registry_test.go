package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"kitsync/internal/entity"
	"kitsync/internal/eventlog"
)

func event(t entity.Type, id, biz string) entity.MutationEvent {
	return entity.MutationEvent{EntityType: t, EntityID: id, BusinessID: biz}
}

func TestResolve(t *testing.T) {
	r := New()
	r.Register("conn-orders", eventlog.Filter{EntityType: entity.TypeOrder})
	r.Register("conn-o1", eventlog.Filter{EntityType: entity.TypeOrder, EntityID: "o1"})
	r.Register("conn-bizA", eventlog.Filter{BusinessID: "A"})

	assert.Equal(t, []string{"conn-bizA", "conn-o1", "conn-orders"},
		r.Resolve(event(entity.TypeOrder, "o1", "A")))
	assert.Equal(t, []string{"conn-orders"},
		r.Resolve(event(entity.TypeOrder, "o2", "B")))
	assert.Equal(t, []string{"conn-bizA"},
		r.Resolve(event(entity.TypeBooking, "b1", "A")))
	assert.Empty(t, r.Resolve(event(entity.TypeSpace, "s1", "B")))
}

func TestRegister_MultipleFiltersOneConnection(t *testing.T) {
	r := New()
	r.Register("c1", eventlog.Filter{EntityType: entity.TypeOrder})
	r.Register("c1", eventlog.Filter{EntityType: entity.TypeBooking})

	assert.Len(t, r.Filters("c1"), 2)
	// Matching both filters still resolves the connection once.
	assert.Equal(t, []string{"c1"}, r.Resolve(event(entity.TypeOrder, "o1", "A")))
	assert.Equal(t, []string{"c1"}, r.Resolve(event(entity.TypeBooking, "b1", "A")))
}

func TestUnregister(t *testing.T) {
	r := New()
	r.Register("c1", eventlog.Filter{})
	assert.Equal(t, 1, r.Len())

	r.Unregister("c1")
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Resolve(event(entity.TypeOrder, "o1", "A")))
	assert.Empty(t, r.Filters("c1"))
}

func TestResolve_ConcurrentWithRegistration(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			for j := 0; j < 200; j++ {
				r.Register(id, eventlog.Filter{EntityType: entity.TypeOrder})
				r.Resolve(event(entity.TypeOrder, "o1", "A"))
				r.Unregister(id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
