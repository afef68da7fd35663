package web

import (
	"embed"
	"html/template"
	"io/fs"
	"path/filepath"
)

//go:embed templates/*.html
var templatesFS embed.FS

// LoadTemplates loads all templates from the embedded filesystem.
func LoadTemplates() (*template.Template, error) {
	tmpl := template.New("")

	err := fs.WalkDir(templatesFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".html" {
			return nil
		}

		content, err := templatesFS.ReadFile(path)
		if err != nil {
			return err
		}

		name := path[len("templates/"):]
		_, err = tmpl.New(name).Parse(string(content))
		return err
	})
	if err != nil {
		return nil, err
	}

	return tmpl, nil
}
