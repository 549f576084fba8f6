// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// adstxt-lint - offline analyser for app-ads.txt files.
//
// Usage:
//
//	adstxt-lint [-terms "google.com,pub-123"] [file]
//
// Reads the file (or stdin when omitted), runs the analyser, and prints
// the analysis plus optional search results as JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/girino/app-ads-inspector/appads"
)

func main() {
	termsFlag := flag.String("terms", "", "comma-separated search terms to match against the file")
	flag.Parse()

	var content []byte
	var err error
	if flag.NArg() > 0 {
		content, err = os.ReadFile(flag.Arg(0))
	} else {
		content, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "adstxt-lint: %v\n", err)
		os.Exit(1)
	}

	var terms []appads.Term
	for _, raw := range strings.Split(*termsFlag, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		t, err := appads.PlainTerm(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "adstxt-lint: term %q: %v\n", raw, err)
			os.Exit(1)
		}
		terms = append(terms, t)
	}

	analysis, search := appads.Analyse(string(content), terms, 0)

	out := map[string]interface{}{"analysed": analysis}
	if search != nil {
		out["search"] = search
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "adstxt-lint: %v\n", err)
		os.Exit(1)
	}
}
