package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/open-webui/usage-engine/internal/config"
)

// Prints the fully resolved configuration, defaults and env overrides
// included, for debugging deployment setups.
func main() {
	configFile := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cfg.Pricing.APIKey = redact(cfg.Pricing.APIKey)
	cfg.Database.URL = redact(cfg.Database.URL)
	cfg.Redis.URL = redact(cfg.Redis.URL)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		log.Fatalf("encode config: %v", err)
	}
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "<set>"
}
