package template

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/foxzi/mailsage/internal/models"
)

func TestEngine_Validate(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name    string
		tmpl    *models.Template
		wantErr bool
	}{
		{
			name: "valid template",
			tmpl: &models.Template{
				Subject: "Hello {{name}}",
				HTML:    "<p>Welcome {{ name }}!</p>",
			},
			wantErr: false,
		},
		{
			name: "invalid subject syntax",
			tmpl: &models.Template{
				Subject: "Hello {{name",
			},
			wantErr: true,
		},
		{
			name: "invalid html syntax",
			tmpl: &models.Template{
				Subject: "Hello",
				HTML:    "<p>Welcome {{if}}</p>",
			},
			wantErr: true,
		},
		{
			name:    "empty template",
			tmpl:    &models.Template{},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Validate(tt.tmpl)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEngine_Render(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name        string
		tmpl        *models.Template
		vars        map[string]string
		wantSubject string
		wantHTML    string
	}{
		{
			name: "simple substitution",
			tmpl: &models.Template{
				Subject: "Hello {{name}}",
				HTML:    "<p>Hello {{ name }}, order {{order.id}}</p>",
			},
			vars:        map[string]string{"name": "John", "order.id": "42"},
			wantSubject: "Hello John",
			wantHTML:    "<p>Hello John, order 42</p>",
		},
		{
			name: "html is escaped in body, not subject",
			tmpl: &models.Template{
				Subject: "Hi {{name}}",
				HTML:    "<p>{{name}}</p>",
			},
			vars:        map[string]string{"name": "<script>x</script>"},
			wantSubject: "Hi <script>x</script>",
			wantHTML:    "<p>&lt;script&gt;x&lt;/script&gt;</p>",
		},
		{
			name: "missing variable renders empty",
			tmpl: &models.Template{
				Subject: "Hi {{name}}",
				HTML:    "<p>[{{name}}]</p>",
			},
			vars:        nil,
			wantSubject: "Hi ",
			wantHTML:    "<p>[]</p>",
		},
		{
			name: "unsafe url is neutralized",
			tmpl: &models.Template{
				HTML: `<a href="{{link}}">go</a>`,
			},
			vars:     map[string]string{"link": "javascript:alert(1)"},
			wantHTML: `<a href="#ZgotmplZ">go</a>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if result.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", result.Subject, tt.wantSubject)
			}
			if result.HTML != tt.wantHTML {
				t.Errorf("HTML = %q, want %q", result.HTML, tt.wantHTML)
			}
		})
	}
}

func TestRequiredVariables(t *testing.T) {
	tpl := &models.Template{
		Subject:   "Hi {{first_name}}",
		HTML:      "<p>{{ first_name }} {{last_name}}</p>",
		Variables: []string{"company", " "},
	}

	got := RequiredVariables(tpl)
	want := []string{"company", "first_name", "last_name"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RequiredVariables() = %v, want %v", got, want)
	}
}

func TestValidateVariables(t *testing.T) {
	tpl := &models.Template{Subject: "Hi {{name}}", HTML: "{{code}}"}

	if err := ValidateVariables(tpl, map[string]string{"name": "a", "code": "b"}); err != nil {
		t.Errorf("ValidateVariables() complete error = %v", err)
	}

	err := ValidateVariables(tpl, map[string]string{"name": "a"})
	var missing *MissingVariablesError
	if !errors.As(err, &missing) {
		t.Fatalf("ValidateVariables() error = %v, want MissingVariablesError", err)
	}
	if !reflect.DeepEqual(missing.Names, []string{"code"}) {
		t.Errorf("Names = %v", missing.Names)
	}
	if !strings.Contains(err.Error(), "code") {
		t.Errorf("Error() = %q should name the variable", err.Error())
	}

	if err := ValidateVariables(&models.Template{HTML: "static"}, nil); err != nil {
		t.Errorf("template without variables error = %v", err)
	}
}
