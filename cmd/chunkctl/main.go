// Command chunkctl is an offline operator tool for a station's content
// store: ingest a local file into it, inspect an object's manifest and
// availability, seal a fully-received object, and run the chunk-store
// garbage collector. Grounded on the teacher's cmd/chunker (flag +
// positional-arg + stderr-progress CLI shape, JSON-encoded manifest
// output) and daemon/cmd/casgc (the separate small GC binary, folded in
// here as a subcommand instead of its own command). Progress bars size
// themselves to the terminal the way the teacher's cmd/keygen sizes its
// passphrase prompt to the terminal (golang.org/x/term), though here for
// width-aware output rather than hidden input.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/qrpswarm/chunkswarm/internal/chunkstore"
	"github.com/qrpswarm/chunkswarm/internal/object"
)

// progressBarWidth returns how many '=' characters a progress bar may use,
// sized to the controlling terminal's width (falling back to 40 columns
// when stderr isn't a terminal, e.g. piped into a log file).
func progressBarWidth() int {
	const fallback = 40
	const margin = 20 // room for the "[] NNN/NNN" decoration around the bar
	w, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil || w <= margin {
		return fallback
	}
	return w - margin
}

// printProgressBar writes a single width-scaled "[===...] done/total" line
// to stderr, used by ingest and gc to report their one-shot completion.
func printProgressBar(label string, done, total int) {
	width := progressBarWidth()
	filled := width
	if total > 0 {
		filled = width * done / total
	}
	if filled > width {
		filled = width
	}
	bar := make([]byte, width)
	for i := range bar {
		if i < filled {
			bar[i] = '='
		} else {
			bar[i] = ' '
		}
	}
	fmt.Fprintf(os.Stderr, "%s [%s] %d/%d\n", label, bar, done, total)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "ingest":
		runIngest(os.Args[2:])
	case "inspect":
		runInspect(os.Args[2:])
	case "seal":
		runSeal(os.Args[2:])
	case "gc":
		runGC(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: chunkctl <ingest|inspect|seal|gc> [options]")
}

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	dbPath := fs.String("db", "chunkstore.db", "chunk store path")
	chunkSize := fs.Int("chunk-size", object.DefaultChunkOptions().ChunkSize, "chunk size in bytes")
	mime := fs.String("mime", "", "object MIME type")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: chunkctl ingest [options] <file>")
		os.Exit(1)
	}
	filePath := fs.Arg(0)

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read %s: %v\n", filePath, err)
		os.Exit(2)
	}

	store, err := chunkstore.Open(*dbPath, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open store: %v\n", err)
		os.Exit(2)
	}
	defer store.Close()

	meta := object.Metadata{Mime: *mime, Filename: filePath}
	opts := object.ChunkOptions{ChunkSize: *chunkSize}
	objectID, err := store.PutObject(data, meta, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: put object: %v\n", err)
		os.Exit(3)
	}

	manifest, err := store.Manifest(objectID)
	totalChunks := 0
	if err == nil {
		totalChunks = manifest.TotalChunks
	}
	printProgressBar("ingest", totalChunks, totalChunks)
	fmt.Fprintf(os.Stderr, "ingested %s (%d bytes, %d chunks) as object %s\n", filePath, len(data), totalChunks, objectID)
	fmt.Println(objectID)
}

func runInspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dbPath := fs.String("db", "chunkstore.db", "chunk store path")
	pretty := fs.Bool("pretty", true, "pretty-print JSON output")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: chunkctl inspect [options] <object-id>")
		os.Exit(1)
	}
	objectID := fs.Arg(0)

	store, err := chunkstore.Open(*dbPath, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open store: %v\n", err)
		os.Exit(2)
	}
	defer store.Close()

	manifest, err := store.Manifest(objectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: manifest: %v\n", err)
		os.Exit(3)
	}
	avail, err := store.Availability(objectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: availability: %v\n", err)
		os.Exit(3)
	}

	have, _ := avail.Count()
	report := struct {
		Manifest *object.Manifest `json:"manifest"`
		Have     int              `json:"chunks_held"`
		Total    int              `json:"chunks_total"`
		Complete bool             `json:"complete"`
	}{
		Manifest: manifest,
		Have:     have,
		Total:    manifest.TotalChunks,
		Complete: avail.IsComplete(),
	}

	var out []byte
	if *pretty {
		out, err = json.MarshalIndent(report, "", "  ")
	} else {
		out, err = json.Marshal(report)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: encode report: %v\n", err)
		os.Exit(4)
	}
	fmt.Println(string(out))
}

func runSeal(args []string) {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	dbPath := fs.String("db", "chunkstore.db", "chunk store path")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: chunkctl seal [options] <object-id>")
		os.Exit(1)
	}
	objectID := fs.Arg(0)

	store, err := chunkstore.Open(*dbPath, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open store: %v\n", err)
		os.Exit(2)
	}
	defer store.Close()

	data, err := store.SealObject(objectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: seal: %v\n", err)
		os.Exit(3)
	}
	fmt.Printf("sealed %s (%d bytes)\n", objectID, len(data))
}

func runGC(args []string) {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	dbPath := fs.String("db", "chunkstore.db", "chunk store path")
	maxBytes := fs.Int64("max-bytes", 0, "store capacity to enforce (0 = unbounded)")
	fs.Parse(args)

	store, err := chunkstore.Open(*dbPath, *maxBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open store: %v\n", err)
		os.Exit(2)
	}
	defer store.Close()

	width := progressBarWidth()
	evicted := 0
	for store.Evict() {
		evicted++
		filled := evicted % (width + 1) // cycles the bar for an unbounded sweep
		bar := make([]byte, width)
		for i := range bar {
			if i < filled {
				bar[i] = '='
			} else {
				bar[i] = ' '
			}
		}
		fmt.Fprintf(os.Stderr, "\rgc [%s] %d evicted", bar, evicted)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Printf("evicted %d object(s)\n", evicted)
}
