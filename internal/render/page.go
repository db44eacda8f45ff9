package render

import (
	_ "embed"
	"fmt"
	"os"
)

// Markers recognised in the page template and the solver script.
const (
	ChallengeMarker  = "__CHALLENGE_JSON__"
	SolverMarker     = "__SOLVER_JS__"
	CookieNameMarker = "__COOKIE_NAME__"
)

var (
	//go:embed assets/page.html
	defaultPage []byte
	//go:embed assets/solver.js
	defaultSolver []byte
)

// Page is the static challenge page shell plus the solver script. Both are
// read-only after construction and shared by all requests.
type Page struct {
	tmpl   []byte
	solver []byte
}

// NewPage binds the solver script to cookieName. A nil tmpl selects the
// embedded default page.
func NewPage(tmpl []byte, cookieName string) (*Page, error) {
	if tmpl == nil {
		tmpl = defaultPage
	}
	solver, err := ReplaceOnce(defaultSolver, []byte(CookieNameMarker), []byte(cookieName))
	if err != nil {
		return nil, err
	}
	return &Page{tmpl: tmpl, solver: solver}, nil
}

// LoadPage reads a custom page template from path; an empty path selects
// the embedded page.
func LoadPage(path, cookieName string) (*Page, error) {
	if path == "" {
		return NewPage(nil, cookieName)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read page template: %w", err)
	}
	return NewPage(b, cookieName)
}

// Render embeds the challenge payload and the solver script into the page.
func (p *Page) Render(challenge []byte) ([]byte, error) {
	return Render(p.tmpl, []byte(ChallengeMarker), challenge, []byte(SolverMarker), p.solver)
}
