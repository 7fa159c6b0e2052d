// kvenginectl is a usage example, not a server or a general-purpose
// CLI: it opens a btree and a cmap engine from the registry and drives
// a handful of operations against each so the two engine packages have
// a runnable consumer outside their own test suites.
package main

import (
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/go-kvengine/kvengine/pkg/config"
	"github.com/go-kvengine/kvengine/pkg/engine"
	_ "github.com/go-kvengine/kvengine/pkg/engine/btree"
	_ "github.com/go-kvengine/kvengine/pkg/engine/cmap"
	"github.com/go-kvengine/kvengine/pkg/status"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Println("kvenginectl v0.1.0")
	case "demo":
		runDemo()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("kvenginectl — example driver for the engine registry")
	fmt.Println()
	fmt.Println("Usage: kvenginectl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  version    Print the version string")
	fmt.Println("  demo       Open a btree and a cmap pool and run a few operations")
	fmt.Println("  help       Show this help message")
}

func runDemo() {
	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	dir, err := os.MkdirTemp("", "kvenginectl-demo-*")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	runEngine(log, "btree", dir+"/btree.pool")
	runEngine(log, "cmap", dir+"/cmap.pool")
}

func runEngine(logger *zap.Logger, name, path string) {
	cfg := config.New().SetPath(path).SetForceCreate(true)
	cfg.Set("logger", config.Object(logger, nil))

	e, err := engine.Open(name, cfg)
	if err != nil {
		log.Fatalf("opening %s engine: %v", name, err)
	}
	defer e.Close()

	fmt.Printf("=== %s ===\n", e.Name())

	data := map[string]string{
		"user:1":      "alice@example.com",
		"user:2":      "bob@example.com",
		"config:port": "8080",
	}
	for k, v := range data {
		if code := e.Put([]byte(k), []byte(v)); code != status.OK {
			log.Fatalf("put %s: %s", k, code)
		}
	}

	for k := range data {
		code := e.Get([]byte(k), func(value []byte) error {
			fmt.Printf("  %s = %s\n", k, value)
			return nil
		})
		if code != status.OK {
			log.Fatalf("get %s: %s", k, code)
		}
	}

	count, code := e.CountAll()
	if code != status.OK {
		log.Fatalf("count_all: %s", code)
	}
	fmt.Printf("  entries: %d\n", count)

	if code := e.Defrag(0, 100); code != status.OK {
		log.Fatalf("defrag: %s", code)
	}

	if code := e.Remove([]byte("config:port")); code != status.OK {
		log.Fatalf("remove: %s", code)
	}
	if code := e.Exists([]byte("config:port")); code != status.NotFound {
		log.Fatalf("expected config:port removed, got %s", code)
	}
	fmt.Println()
}
