package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sawpanic/stratlab/internal/domain"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// emit writes v as JSON or through text, to --output or stdout
func (o *globalOptions) emit(cmd *cobra.Command, v interface{}, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if o.output != "" {
		f, err := os.Create(o.output)
		if err != nil {
			return fmt.Errorf("failed to create output file %s: %w", o.output, err)
		}
		defer f.Close()
		w = f
	}

	if o.format == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		return nil
	}
	text(w)
	return nil
}

// num rounds f for display
func num(f float64, places int32) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "n/a"
	}
	return decimal.NewFromFloat(f).Round(places).StringFixed(places)
}

func pct(f float64) string { return num(f, 2) + "%" }

// formatParams renders a parameter set in name order
func formatParams(p domain.ParameterSet) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		v := p[k]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			parts[i] = k + "=n/a"
			continue
		}
		parts[i] = k + "=" + decimal.NewFromFloat(v).Round(6).String()
	}
	return strings.Join(parts, " ")
}

func rule(w io.Writer, title string) {
	fmt.Fprintf(w, "%s\n%s\n", title, strings.Repeat("=", len(title)))
}
