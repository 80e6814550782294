// gen-diagrams renders the bundled example lines for the README.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/lineflow/internal/analysis"
	"github.com/rendis/lineflow/internal/diagram"
	"github.com/rendis/lineflow/internal/flowfile"
	"github.com/rendis/lineflow/internal/validation"
)

func main() {
	loader, err := flowfile.NewLoader()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loader: %v\n", err)
		os.Exit(1)
	}

	files, _ := filepath.Glob(filepath.Join("examples", "lines", "*"))
	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	for _, path := range files {
		line, err := loader.LoadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}

		var sched *analysis.CPMSchedule
		if ok, _ := validation.ValidateFlow(line.Tasks); ok {
			sched, _ = analysis.Schedule(line.Tasks)
		}
		model := diagram.Build(line, sched)
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		ascii := diagram.RenderASCII(model)
		os.WriteFile(filepath.Join(outDir, base+"-ascii.txt"), []byte(ascii), 0o644)
		fmt.Printf("=== %s (ascii) ===\n%s\n", line.Name, ascii)

		mermaid := diagram.RenderMermaid(model)
		os.WriteFile(filepath.Join(outDir, base+"-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)

		png, err := diagram.RenderImage(context.Background(), model, diagram.FormatPNG)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: image: %v\n", path, err)
			continue
		}
		os.WriteFile(filepath.Join(outDir, base+".png"), png, 0o644)
	}
	fmt.Printf("wrote diagrams to %s\n", outDir)
}
