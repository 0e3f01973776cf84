package instrument

import (
	"go/ast"
	"strings"
)

const (
	// ProfileDirective marks a function for instrumentation. In the file
	// comment above the package clause it marks every function in the file.
	ProfileDirective = "//microprofile:profile"
	// SkipDirective excludes a function from file-level instrumentation.
	SkipDirective = "//microprofile:skip"
)

func hasDirective(doc *ast.CommentGroup, directive string) bool {
	if doc == nil {
		return false
	}
	for _, c := range doc.List {
		text := strings.TrimRight(c.Text, " \t")
		if text == directive || strings.HasPrefix(text, directive+" ") {
			return true
		}
	}
	return false
}
