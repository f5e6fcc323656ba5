// Package script renders the run.sh deployment script for a workload.
// Rendering is a pure function of its parameters: the same saved artifact
// set always yields byte-identical output.
package script

import (
	"fmt"
	"strings"

	"github.com/artpar/webtopd/internal/core/workload"
)

// Params describes the saved artifacts of one workload.
type Params struct {
	Identity    string
	Dir         string   // Absolute workload directory
	Manifest    string   // Saved manifest filename, relative to Dir
	BuildFiles  []string // Saved Dockerfile names, in submission order
	ImagePrefix string   // Defaults to workload.DefaultImagePrefix
}

// Generate renders the script. Each build step is followed by an exit-status
// check that aborts the script; the final compose step reports success or
// aborts the same way.
func Generate(p Params) string {
	prefix := p.ImagePrefix
	if prefix == "" {
		prefix = workload.DefaultImagePrefix
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "# Webtop deployment script for user: %s\n", p.Identity)
	b.WriteString("# Generated automatically by webtopd\n\n")
	fmt.Fprintf(&b, "cd %s\n\n", Quote(p.Dir))

	if len(p.BuildFiles) > 0 {
		b.WriteString("# Build custom Docker images\n")
		for i, file := range p.BuildFiles {
			tag := workload.ImageTag(prefix, p.Identity, i+1)
			fmt.Fprintf(&b, "echo 'Building Docker image: %s'\n", tag)
			fmt.Fprintf(&b, "docker build -f %s -t %s .\n", Quote(file), tag)
			b.WriteString("if [ $? -ne 0 ]; then\n")
			fmt.Fprintf(&b, "    echo 'Error: Failed to build %s'\n", tag)
			b.WriteString("    exit 1\n")
			b.WriteString("fi\n\n")
		}
	}

	b.WriteString("# Launch Docker Compose\n")
	fmt.Fprintf(&b, "echo %s\n", Quote("Starting Docker Compose with "+p.Manifest))
	fmt.Fprintf(&b, "docker compose -f %s up -d\n", Quote(p.Manifest))
	b.WriteString("if [ $? -eq 0 ]; then\n")
	fmt.Fprintf(&b, "    echo 'Webtop deployment successful for user: %s'\n", p.Identity)
	b.WriteString("else\n")
	b.WriteString("    echo 'Error: Docker Compose failed'\n")
	b.WriteString("    exit 1\n")
	b.WriteString("fi\n")

	return b.String()
}

// Quote wraps s in single quotes for POSIX shells.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
