package config_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/normanking/cortex-evolution/internal/config"
)

// ExampleLoadFromPath demonstrates loading config from a specific path.
func ExampleLoadFromPath() {
	dir, err := os.MkdirTemp("", "evolution-config")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg, err := config.LoadFromPath(filepath.Join(dir, "evolution.yaml"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Printf("Decay factor: %.2f\n", cfg.Decay.Factor)
	fmt.Printf("Decay interval: %s\n", cfg.Decay.Interval)
	fmt.Printf("Driver: %s\n", cfg.Persistence.Driver)
	// Output:
	// Decay factor: 0.95
	// Decay interval: 10m0s
	// Driver: sqlite
}

// ExampleConfig_Validate demonstrates configuration validation.
func ExampleConfig_Validate() {
	cfg := config.Default()
	cfg.Decay.Factor = 1.5

	if err := cfg.Validate(); err != nil {
		fmt.Println(err)
	}
	// Output:
	// decay.factor must be in (0, 1), got 1.5
}
