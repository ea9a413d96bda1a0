package server

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

// templates holds the parsed page templates. Parsing happens once at startup;
// a malformed template is a programming error.
var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))
