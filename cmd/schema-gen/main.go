/*
Copyright © 2025 OSImager Authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

// Package main generates JSON schemas for the build request and build status
// shapes used on the control plane, enabling validation and IDE completion
// for API clients.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/osimager/osimager/builder"
	"github.com/osimager/osimager/config"
	"github.com/osimager/osimager/events"
)

var output = flag.String("o", "schema", "Output directory for JSON schemas")

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}

	if err := reflector.AddGoComments("github.com/osimager/osimager", "./"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to extract type-level comments: %v\n", err)
	}

	targets := []struct {
		name  string
		title string
		value interface{}
	}{
		{"build-request", "OSImager Build Request", &builder.Request{}},
		{"build-status", "OSImager Build Status", &builder.Status{}},
		{"event", "OSImager Build Event", &events.Event{}},
	}

	if err := os.MkdirAll(*output, config.DirPermReadWriteExec); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	for _, target := range targets {
		schema := reflector.Reflect(target.value)
		schema.ID = jsonschema.ID("https://osimager.dev/schema/" + target.name + ".json")
		schema.Title = target.title

		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal %s schema: %w", target.name, err)
		}
		data = append(data, '\n')

		path := filepath.Join(*output, target.name+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write schema file %s: %w", path, err)
		}
		fmt.Printf("Generated JSON schema: %s\n", path)
	}
	return nil
}
