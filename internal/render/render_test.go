package render

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestReplaceOnce(t *testing.T) {
	cases := []struct {
		name, src, marker, repl, want string
	}{
		{"middle", "a<X>b", "<X>", "123", "a123b"},
		{"start", "<X>b", "<X>", "1", "1b"},
		{"end", "a<X>", "<X>", "1", "a1"},
		{"absent", "abc", "<X>", "1", "abc"},
		{"empty replacement", "a<X>b", "<X>", "", "ab"},
		{"only first of two", "<X>-<X>", "<X>", "1", "1-<X>"},
		{"replacement contains marker", "a<X>b", "<X>", "<X><X>", "a<X><X>b"},
		{"no escaping", "<p><X></p>", "<X>", `</script>"&`, `<p></script>"&</p>`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ReplaceOnce([]byte(c.src), []byte(c.marker), []byte(c.repl))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
			if cap(got) != len(got) {
				t.Errorf("output over-allocated: len %d cap %d", len(got), cap(got))
			}
		})
	}
}

func TestReplaceOnce_DoesNotMutateOrAlias(t *testing.T) {
	src := []byte("head <X> tail")
	orig := append([]byte(nil), src...)

	out, _ := ReplaceOnce(src, []byte("<X>"), []byte("body"))
	if !bytes.Equal(src, orig) {
		t.Fatalf("template mutated: %q", src)
	}

	miss, _ := ReplaceOnce(src, []byte("<Y>"), []byte("body"))
	miss[0] = 'H'
	out[0] = 'H'
	if !bytes.Equal(src, orig) {
		t.Error("output aliases the template")
	}
}

func TestReplaceOnce_EmptyMarker(t *testing.T) {
	if _, err := ReplaceOnce([]byte("abc"), nil, []byte("x")); !errors.Is(err, ErrEmptyMarker) {
		t.Errorf("expected ErrEmptyMarker, got %v", err)
	}
}

func TestRender_Sequential(t *testing.T) {
	tmpl := []byte("[A][B][A][B]")
	got, err := Render(tmpl, []byte("[A]"), []byte("1"), []byte("[B]"), []byte("2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "12[A][B]" {
		t.Errorf("got %q", got)
	}

	// The second step runs on the first step's output.
	got, _ = Render([]byte("[A]"), []byte("[A]"), []byte("[B]"), []byte("[B]"), []byte("2"))
	if string(got) != "2" {
		t.Errorf("expected second marker introduced by first step to be replaced, got %q", got)
	}

	// A missing marker leaves that step a no-op.
	got, _ = Render([]byte("x[B]"), []byte("[A]"), []byte("1"), []byte("[B]"), []byte("2"))
	if string(got) != "x2" {
		t.Errorf("got %q", got)
	}
}

func TestPage_Render(t *testing.T) {
	p, err := NewPage(nil, "gatepass")
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	payload := []byte(`{"data":"abc","expires_at":1,"difficulty":2,"sig":"def"}`)

	body, err := p.Render(payload)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if bytes.Count(body, payload) != 1 {
		t.Error("payload must appear exactly once")
	}
	for _, m := range []string{ChallengeMarker, SolverMarker, CookieNameMarker} {
		if bytes.Contains(body, []byte(m)) {
			t.Errorf("leftover marker %s", m)
		}
	}
	if !bytes.Contains(body, []byte("'gatepass='")) {
		t.Error("solver not bound to the configured cookie name")
	}
	if !strings.HasPrefix(string(body), "<!DOCTYPE html>") {
		t.Error("expected embedded HTML page")
	}

	// The template is reused across requests.
	again, _ := p.Render([]byte(`{"other":true}`))
	if bytes.Contains(again, payload) {
		t.Error("previous payload leaked into a later render")
	}
}

func TestNewPage_CustomTemplate(t *testing.T) {
	p, err := NewPage([]byte("<html>"+ChallengeMarker+"</html>"), "pow")
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	body, _ := p.Render([]byte("{}"))
	if string(body) != "<html>{}</html>" {
		t.Errorf("got %q", body)
	}
}

func TestLoadPage_MissingFile(t *testing.T) {
	if _, err := LoadPage("/nonexistent/page.html", "pow"); err == nil {
		t.Error("expected error for missing template file")
	}
}
