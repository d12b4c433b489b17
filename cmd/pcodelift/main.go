// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command pcodelift drives the lifting engine (package lift) over a set
// of per-function decompilation artifacts and prints the resulting
// LLVM-compatible IR module.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/SnellerInc/pcodelift/lift"
)

var (
	dashv     bool
	dasho     string
	dashstack string
	dashopts  string
	dashquirk bool
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.StringVar(&dasho, "o", "-", "output file (or - for stdout)")
	flag.StringVar(&dashstack, "stack", string(lift.SingleStruct), "locals layout: single_struct, byte_addressable, or no_option")
	flag.StringVar(&dashopts, "opts", "", "YAML options file (overrides -stack, -quirks)")
	flag.BoolVar(&dashquirk, "quirks", false, "reproduce attested upstream quirks bug-for-bug")
}

var logger = log.New(os.Stderr, "pcodelift: ", 0)

func exitf(f string, args ...interface{}) {
	logger.Printf(f, args...)
	os.Exit(1)
}

// fileOptions mirrors lift.Options for YAML decoding; sigs.k8s.io/yaml
// round-trips through encoding/json, so the fields carry json tags.
type fileOptions struct {
	Stack        string `json:"stack"`
	CompatQuirks bool   `json:"compatQuirks"`
}

func loadOptions(path string) (lift.Options, error) {
	if path == "" {
		return lift.Options{
			Stack:        lift.StackLayout(dashstack),
			CompatQuirks: dashquirk,
		}, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return lift.Options{}, fmt.Errorf("reading options file: %w", err)
	}
	var fo fileOptions
	if err := yaml.Unmarshal(buf, &fo); err != nil {
		return lift.Options{}, fmt.Errorf("decoding options file: %w", err)
	}
	return lift.Options{
		Stack:        lift.StackLayout(fo.Stack),
		CompatQuirks: fo.CompatQuirks,
	}, nil
}

// functionName derives a function's name from its artifact file's base
// name, stripping any extension (e.g. "main.xml" -> "main").
func functionName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func loadArtifacts(paths []string) (map[string]*lift.Artifact, error) {
	out := make(map[string]*lift.Artifact, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", p, err)
		}
		a, err := lift.ParseArtifact(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p, err)
		}
		name := functionName(p)
		if dashv {
			logger.Printf("parsed artifact %q from %s", name, p)
		}
		out[name] = a
	}
	return out, nil
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage:\n")
		fmt.Fprintf(os.Stderr, "    %s [-stack <policy>] [-quirks] [-opts <file.yaml>] [-o <output>] <artifact.xml>...\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        lift one or more per-function decompilation artifacts into one IR module\n")
		fmt.Fprintf(os.Stderr, "flag usage:\n")
		flag.Usage()
		os.Exit(1)
	}

	opts, err := loadOptions(dashopts)
	if err != nil {
		exitf("%s", err)
	}

	artifacts, err := loadArtifacts(args)
	if err != nil {
		exitf("%s", err)
	}

	filename := functionName(args[0])
	if len(args) > 1 {
		filename = "module"
	}

	b, err := lift.Lift(filename, artifacts, opts)
	if err != nil {
		exitf("lift: %s", err)
	}

	var out *os.File
	if dasho == "-" {
		out = os.Stdout
	} else {
		out, err = os.Create(dasho)
		if err != nil {
			exitf("creating output: %s", err)
		}
		defer out.Close()
	}
	fmt.Fprint(out, b.String())
}
