package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"bus-monitor/alerting/internal/config"
	"bus-monitor/alerting/internal/domain"
	"bus-monitor/alerting/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	rs, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	defer rs.Close()
	fmt.Println("✓ Connected")

	step1APIKeys(ctx, rs)
	step2Locations(ctx, rs)

	fmt.Println("\n✅ Redis seeded successfully")
	fmt.Println("   Run next: go run ./cmd/busalert serve")
}

func step1APIKeys(ctx context.Context, rs *store.RedisStore) {
	fmt.Println("\n── Step 1: Seeding API keys ────────────────────")

	// Key pattern: busalert:auth:{api_key} → client id
	// Looked up by the authenticator after static keys and its cache
	apiKeys := map[string]string{
		"depot_guwahati_key":  "depot_guwahati",
		"depot_shillong_key":  "depot_shillong",
		"trigger_runtime_key": "trigger_runtime",
		"test_key":            "test_client",
	}

	for key, clientID := range apiKeys {
		if err := rs.SetAPIKey(ctx, key, clientID); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-30s → %s\n", key, clientID)
	}

	got, err := rs.GetAPIKey(ctx, "test_key")
	if err != nil || got == "" {
		log.Fatalf("Spot check failed: %v", err)
	}
	fmt.Printf("  ✓ spot check: test_key → %s\n", got)
}

func step2Locations(ctx context.Context, rs *store.RedisStore) {
	fmt.Println("\n── Step 2: Seeding bus locations ───────────────")

	// Below the 60 km/h limit so seeding never raises an alert downstream
	lat, lng := 26.1445, 91.7362
	seed := map[string]*domain.LocationUpdate{
		"B1": {Speed: domain.SpeedOf(8.3), Lat: &lat, Lng: &lng, Timestamp: time.Now().UTC()},
		"B2": {Speed: domain.SpeedOf(0), Timestamp: time.Now().UTC()},
	}

	for busID, u := range seed {
		if _, err := rs.PutLocation(ctx, busID, u); err != nil {
			log.Fatalf("Failed to seed location for %s: %v", busID, err)
		}
		fmt.Printf("  ✓ bus_locations:%s → %.1f m/s\n", busID, u.Speed.OrZero())
	}
}
