package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"healnerd/internal/candidate"
	"healnerd/internal/config"
	"healnerd/internal/intent"
	"healnerd/internal/resolver"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// probePollInterval is how often the role+name probe re-queries the AX tree.
const probePollInterval = 100 * time.Millisecond

// ErrNotVisible is returned by a probe whose matches are all hidden.
var ErrNotVisible = errors.New("no visible match")

// Page adapts a rod page to the resolver and the repair chain.
type Page struct {
	page   *rod.Page
	cfg    config.BrowserConfig
	logger *zap.Logger
}

func newPage(p *rod.Page, cfg config.BrowserConfig, logger *zap.Logger) *Page {
	return &Page{page: p, cfg: cfg, logger: logger}
}

// Probe looks for one visible element matching a single facet. It keeps
// retrying until ctx expires.
func (p *Page) Probe(ctx context.Context, probe intent.Probe) (resolver.Element, error) {
	var (
		el  *rod.Element
		err error
	)
	switch probe.Strategy {
	case intent.StrategyRoleName:
		el, err = p.byRoleName(ctx, probe.Role, probe.Value)
	case intent.StrategyLabel:
		el, err = p.byJS(ctx, "label", probe.Value)
	case intent.StrategyText:
		el, err = p.byJS(ctx, "text", probe.Value)
	case intent.StrategyPlaceholder:
		el, err = p.byJS(ctx, "placeholder", probe.Value)
	case intent.StrategyTestID:
		el, err = p.byJS(ctx, "testid", probe.Value)
	case intent.StrategySelector:
		kind, sel := selectorKind(probe.Value)
		el, err = p.byJS(ctx, kind, sel)
	default:
		return nil, fmt.Errorf("unknown strategy %q", probe.Strategy)
	}
	if err != nil {
		return nil, err
	}
	return &Element{el: el}, nil
}

// selectorKind splits a raw selector into css or xpath.
func selectorKind(raw string) (string, string) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "xpath=") {
		return "xpath", strings.TrimPrefix(s, "xpath=")
	}
	if strings.HasPrefix(s, "//") || strings.HasPrefix(s, "(//") {
		return "xpath", s
	}
	return "css", strings.TrimPrefix(s, "css=")
}

func (p *Page) byJS(ctx context.Context, kind, value string) (*rod.Element, error) {
	el, err := p.page.Context(ctx).ElementByJS(rod.Eval(probeJS, kind, value))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %q: %w", kind, value, ErrNotVisible)
		}
		return nil, fmt.Errorf("%s %q: %w", kind, value, err)
	}
	return el, nil
}

// byRoleName asks the browser's accessibility tree for an exact role and
// accessible name match and returns the first visible element behind it.
func (p *Page) byRoleName(ctx context.Context, role, name string) (*rod.Element, error) {
	pg := p.page.Context(ctx)
	var lastErr error

	for {
		el, err := p.queryAX(pg, role, name)
		if err == nil {
			return el, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("role %q name %q: %w", role, name, lastErr)
		case <-time.After(probePollInterval):
		}
	}
}

func (p *Page) queryAX(pg *rod.Page, role, name string) (*rod.Element, error) {
	doc, err := proto.DOMGetDocument{}.Call(pg)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	res, err := proto.AccessibilityQueryAXTree{
		BackendNodeID:  doc.Root.BackendNodeID,
		AccessibleName: name,
		Role:           role,
	}.Call(pg)
	if err != nil {
		return nil, fmt.Errorf("query ax tree: %w", err)
	}

	for _, n := range res.Nodes {
		if n.Ignored || n.BackendDOMNodeID == 0 {
			continue
		}
		obj, err := proto.DOMResolveNode{BackendNodeID: n.BackendDOMNodeID}.Call(pg)
		if err != nil || obj.Object == nil || obj.Object.ObjectID == "" {
			continue
		}
		el, err := pg.ElementFromObject(obj.Object)
		if err != nil {
			continue
		}
		if visible, err := el.Visible(); err == nil && visible {
			return el, nil
		}
	}
	return nil, ErrNotVisible
}

// Navigate loads url and waits for the load event, bounded by the
// navigation timeout.
func (p *Page) Navigate(ctx context.Context, url string) error {
	nctx, cancel := context.WithTimeout(ctx, p.cfg.NavigationTimeout())
	defer cancel()

	pg := p.page.Context(nctx)
	if err := pg.Navigate(url); err != nil {
		return err
	}
	return pg.WaitLoad()
}

// URL returns the page's current location, or "" when unknown.
func (p *Page) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Screenshot captures the viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// AXTree snapshots the full accessibility tree.
func (p *Page) AXTree(ctx context.Context) (*candidate.Node, error) {
	res, err := proto.AccessibilityGetFullAXTree{}.Call(p.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get accessibility tree: %w", err)
	}
	return buildAXTree(res.Nodes), nil
}

// Element wraps a resolved rod element. The probe context that found it has
// already expired, so every call rebinds the element to the caller's ctx.
type Element struct {
	el *rod.Element
}

func (e *Element) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

// Fill replaces the element's content with value.
func (e *Element) Fill(ctx context.Context, value string) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("select text: %w", err)
	}
	return el.Input(value)
}

func (e *Element) WaitVisible(ctx context.Context) error {
	return e.el.Context(ctx).WaitVisible()
}
