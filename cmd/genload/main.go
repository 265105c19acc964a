package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"kitsync/internal/entity"
	"kitsync/internal/gateway"
)

// genload writes a JSONL file of mutation requests for seeding or load
// testing a syncd instance: kitchen spaces, bookings across the next few
// hours, and a batch of orders.
func main() {
	var (
		spaces     int
		bookings   int
		orders     int
		outputFile string
		businessID string
	)
	flag.IntVar(&spaces, "spaces", 4, "number of kitchen spaces")
	flag.IntVar(&bookings, "bookings", 10, "number of bookings")
	flag.IntVar(&orders, "orders", 50, "number of orders")
	flag.StringVar(&outputFile, "output", "seed.requests.jsonl", "output file")
	flag.StringVar(&businessID, "business", "biz-1", "tenant business id")
	flag.Parse()

	if err := generate(spaces, bookings, orders, businessID, outputFile); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

func generate(spaces, bookings, orders int, businessID, outputFile string) error {
	file, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	enc := json.NewEncoder(file)
	emit := func(req gateway.Request) error {
		if err := enc.Encode(&req); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		return nil
	}

	chefs := []string{"chef-alice", "chef-bob", "chef-charlie", "chef-dana"}
	dishes := []string{"Pad Thai", "Ramen", "Tacos", "Risotto", "Pho", "Burger"}

	for i := 0; i < spaces; i++ {
		sp := entity.KitchenSpace{
			ID:         fmt.Sprintf("space-%d", i+1),
			Name:       fmt.Sprintf("Kitchen %c", 'A'+i),
			BusinessID: businessID,
		}
		payload, _ := json.Marshal(sp)
		if err := emit(gateway.Request{
			EntityType: string(entity.TypeSpace),
			EntityID:   sp.ID,
			Action:     gateway.ActionCreate,
			Payload:    payload,
			ActorID:    "seed",
		}); err != nil {
			return err
		}
	}

	base := time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
	for i := 0; i < bookings; i++ {
		// Non-overlapping slots per space: space index rotates, slot
		// index advances.
		spaceIdx := i % spaces
		slot := i / spaces
		start := base.Add(time.Duration(slot*2) * time.Hour)
		chef := chefs[rng.Intn(len(chefs))]
		b := entity.Booking{
			ID:         fmt.Sprintf("booking-%d", i+1),
			ChefID:     chef,
			SpaceID:    fmt.Sprintf("space-%d", spaceIdx+1),
			Start:      start,
			End:        start.Add(2 * time.Hour),
			BusinessID: businessID,
		}
		payload, _ := json.Marshal(b)
		if err := emit(gateway.Request{
			EntityType: string(entity.TypeBooking),
			EntityID:   b.ID,
			Action:     gateway.ActionCreate,
			Payload:    payload,
			ActorID:    "seed",
		}); err != nil {
			return err
		}
	}

	for i := 0; i < orders; i++ {
		n := 1 + rng.Intn(3)
		items := make([]entity.OrderItem, 0, n)
		for j := 0; j < n; j++ {
			items = append(items, entity.OrderItem{
				Name:   dishes[rng.Intn(len(dishes))],
				Price:  int64(500 + rng.Intn(2500)),
				ChefID: chefs[rng.Intn(len(chefs))],
			})
		}
		o := entity.Order{
			ID:           fmt.Sprintf("order-%d", i+1),
			CustomerName: fmt.Sprintf("Customer %d", i+1),
			Items:        items,
			BusinessID:   businessID,
		}
		payload, _ := json.Marshal(o)
		if err := emit(gateway.Request{
			EntityType: string(entity.TypeOrder),
			EntityID:   o.ID,
			Action:     gateway.ActionCreate,
			Payload:    payload,
			ActorID:    "seed",
		}); err != nil {
			return err
		}
	}

	log.Printf("generated %d requests to %s", spaces+bookings+orders, outputFile)
	return nil
}
