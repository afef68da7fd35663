package web

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoadTemplates(t *testing.T) {
	templates, err := LoadTemplates()
	if err != nil {
		t.Fatalf("LoadTemplates() error = %v", err)
	}

	if templates.Lookup("oauth_result.html") == nil {
		t.Error("template \"oauth_result.html\" not found")
	}
}

func TestRenderOAuthResult(t *testing.T) {
	templates, err := LoadTemplates()
	if err != nil {
		t.Fatalf("LoadTemplates() error = %v", err)
	}

	tests := []struct {
		name    string
		data    map[string]any
		want    []string
		notWant []string
	}{
		{
			name: "success",
			data: map[string]any{"Provider": "Google Calendar", "Success": true},
			want: []string{"Google Calendar connected", "You can close this window"},
		},
		{
			name:    "failure escapes message",
			data:    map[string]any{"Provider": "Microsoft Outlook", "Success": false, "Message": "<script>x</script>"},
			want:    []string{"Microsoft Outlook was not connected", "&lt;script&gt;"},
			notWant: []string{"<script>x</script>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := templates.ExecuteTemplate(&buf, "oauth_result.html", tt.data); err != nil {
				t.Fatalf("ExecuteTemplate() error = %v", err)
			}
			body := buf.String()
			for _, s := range tt.want {
				if !strings.Contains(body, s) {
					t.Errorf("expected body to contain %q", s)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(body, s) {
					t.Errorf("expected body not to contain %q", s)
				}
			}
		})
	}
}
