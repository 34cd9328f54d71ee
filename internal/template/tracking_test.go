package template

import (
	"strings"
	"testing"
)

func TestInjectTracking(t *testing.T) {
	body := `<html><body><a href="https://example.com/a?x=1&amp;y=2">A</a> <a href="mailto:x@y.z">M</a></body></html>`

	got := InjectTracking(body, "https://mail.example.com/", "tid-1")

	wantLink := `href="https://mail.example.com/t/c/tid-1?url=https%3A%2F%2Fexample.com%2Fa%3Fx%3D1%26y%3D2"`
	if !strings.Contains(got, wantLink) {
		t.Errorf("link not rewritten:\n%s", got)
	}
	if !strings.Contains(got, `href="mailto:x@y.z"`) {
		t.Error("non-http link should be left alone")
	}

	pixel := `<img src="https://mail.example.com/t/o/tid-1" width="1" height="1" alt="" style="display:none"></body>`
	if !strings.Contains(got, pixel) {
		t.Errorf("pixel not injected before </body>:\n%s", got)
	}
}

func TestInjectTrackingWithoutBody(t *testing.T) {
	got := InjectTracking("<p>hi</p>", "http://localhost:8080", "abc")
	if !strings.HasSuffix(got, `<img src="http://localhost:8080/t/o/abc" width="1" height="1" alt="" style="display:none">`) {
		t.Errorf("pixel should be appended: %s", got)
	}
}

func TestClickURL(t *testing.T) {
	got := ClickURL("http://h", "t", "https://a.b/c d")
	if got != "http://h/t/c/t?url=https%3A%2F%2Fa.b%2Fc+d" {
		t.Errorf("ClickURL() = %q", got)
	}
}
