// Command manage_symbols maintains the persisted symbol override table used
// by the mirror service.
//
// Usage:
//
//	manage_symbols list
//	manage_symbols add <canonical> <venueSymbol>
//	manage_symbols remove <canonical>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"trademirror/internal/adapters/logger"
	"trademirror/internal/symbols"
)

func main() {
	_ = godotenv.Load()

	path := flag.String("overrides", envOr("SYMBOL_OVERRIDES_PATH", "./config/symbol_overrides.yaml"), "path to the override table")
	suffix := flag.String("suffix", envOr("SYMBOL_SUFFIX", ".a"), "default venue symbol suffix")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	mapper, err := symbols.NewMapper(symbols.MapperConfig{
		DefaultSuffix: *suffix,
		OverridesPath: *path,
		Logger:        logger.New(logger.LevelWarn),
	})
	if err != nil {
		log.Fatalf("Error loading override table: %v", err)
	}

	ctx := context.Background()
	switch flag.Arg(0) {
	case "list":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "Canonical\tVenue Symbol\t")
		for _, m := range mapper.Mappings() {
			fmt.Fprintf(w, "%s\t%s\t\n", m.Canonical, m.VenueSymbol)
		}
		w.Flush()
	case "add":
		if flag.NArg() != 3 {
			log.Fatalf("Usage: manage_symbols add <canonical> <venueSymbol>")
		}
		if err := mapper.AddMapping(ctx, flag.Arg(1), flag.Arg(2)); err != nil {
			log.Fatalf("Error adding mapping: %v", err)
		}
		fmt.Printf("Added %s -> %s\n", flag.Arg(1), flag.Arg(2))
	case "remove":
		if flag.NArg() != 2 {
			log.Fatalf("Usage: manage_symbols remove <canonical>")
		}
		if err := mapper.RemoveMapping(ctx, flag.Arg(1)); err != nil {
			log.Fatalf("Error removing mapping: %v", err)
		}
		fmt.Printf("Removed %s\n", flag.Arg(1))
	default:
		log.Fatalf("Unknown command %q (expected list, add or remove)", flag.Arg(0))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
