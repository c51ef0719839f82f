package cli

import (
	"encoding/json"
	"fmt"
)

func (o Output) writeJSON(v any) int {
	enc := json.NewEncoder(o.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintln(o.Stderr, "encode output:", err)
		return 1
	}
	return 0
}
