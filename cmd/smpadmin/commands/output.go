package commands

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
)

func success(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ "+format+"\n", a...)
}

func warning(w io.Writer, format string, a ...any) {
	yellow.Fprintf(w, "! "+format+"\n", a...)
}

// failure prints title and cause to w and returns an error carrying only the
// title, for cobra's exit status.
func failure(w io.Writer, title string, cause error) error {
	red.Fprintf(w, "%s\n", title)
	fmt.Fprintf(w, "  %v\n", cause)
	return fmt.Errorf("%s", title)
}
