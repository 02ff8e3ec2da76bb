// Package browser drives a headless chromium instance for the browser tool.
// The controller owns the child process through rod's launcher and
// serializes all operations; the agent gets one logical browser per gateway.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// ErrNotRunning is returned by every operation while the browser is stopped.
var ErrNotRunning = errors.New("browser not running")

const (
	defaultOpTimeout   = 30 * time.Second
	snapshotMaxChars   = 20000
	defaultScreenshots = "screenshots"
)

// Config tunes the controller.
type Config struct {
	Headless      bool
	ScreenshotDir string // where screenshot files land
}

// Controller manages the chromium process and its tabs. All operations are
// serialized; a dead process is noticed on the next operation and surfaces
// as ErrNotRunning until start is called again.
type Controller struct {
	mu sync.Mutex

	headless      bool
	screenshotDir string

	launch  *launcher.Launcher
	browser *rod.Browser
	pages   map[string]*rod.Page
	order   []string // tab ids in open order
	focused string
}

func New(cfg Config) *Controller {
	dir := cfg.ScreenshotDir
	if dir == "" {
		dir = defaultScreenshots
	}
	return &Controller{
		headless:      cfg.Headless,
		screenshotDir: dir,
		pages:         make(map[string]*rod.Page),
	}
}

// Do dispatches one named operation. It implements the surface the browser
// tool calls into.
func (c *Controller) Do(ctx context.Context, action string, params map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch action {
	case "start":
		return c.start()
	case "stop":
		return c.stopLocked()
	case "status":
		return c.status(), nil
	}

	if c.browser == nil {
		return "", ErrNotRunning
	}

	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	switch action {
	case "tabs":
		return c.tabs(), nil
	case "open":
		return c.open(ctx, str(params, "url"))
	case "close":
		return c.closeTab(str(params, "tab_id"))
	case "focus":
		return c.focus(str(params, "tab_id"))
	case "navigate":
		return c.navigate(ctx, params)
	case "snapshot":
		return c.snapshot(ctx, params)
	case "screenshot":
		return c.screenshot(ctx, params)
	case "click":
		return c.withElement(ctx, params, func(el *rod.Element) error {
			return el.Click(proto.InputMouseButtonLeft, 1)
		})
	case "type":
		return c.withElement(ctx, params, func(el *rod.Element) error {
			return el.Input(str(params, "text"))
		})
	case "press":
		return c.press(ctx, params)
	case "hover":
		return c.withElement(ctx, params, func(el *rod.Element) error {
			return el.Hover()
		})
	case "select":
		return c.withElement(ctx, params, func(el *rod.Element) error {
			return el.Select([]string{str(params, "value")}, true, rod.SelectorTypeText)
		})
	case "fill":
		return c.withElement(ctx, params, func(el *rod.Element) error {
			if err := el.SelectAllText(); err != nil {
				return err
			}
			return el.Input(str(params, "value"))
		})
	case "drag":
		return c.drag(ctx, params)
	case "wait":
		return c.wait(ctx, params)
	case "eval":
		return c.eval(ctx, params)
	case "upload":
		return c.withElement(ctx, params, func(el *rod.Element) error {
			return el.SetFiles([]string{str(params, "value")})
		})
	case "dialog":
		return c.dialog(ctx, params)
	default:
		return "", fmt.Errorf("unknown browser action %q", action)
	}
}

// Close stops the browser; used at gateway shutdown.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked() //nolint:errcheck
}

func (c *Controller) start() (string, error) {
	if c.browser != nil {
		return "browser already running", nil
	}
	l := launcher.New().Headless(c.headless).Leakless(true)
	controlURL, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("launch chromium: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return "", fmt.Errorf("connect to chromium: %w", err)
	}
	c.launch = l
	c.browser = b
	c.pages = make(map[string]*rod.Page)
	c.order = nil
	c.focused = ""
	return "browser started", nil
}

func (c *Controller) stopLocked() (string, error) {
	if c.browser == nil {
		return "browser not running", nil
	}
	c.browser.Close() //nolint:errcheck
	if c.launch != nil {
		c.launch.Cleanup()
	}
	c.browser = nil
	c.launch = nil
	c.pages = make(map[string]*rod.Page)
	c.order = nil
	c.focused = ""
	return "browser stopped", nil
}

func (c *Controller) status() string {
	if c.browser == nil {
		return "stopped"
	}
	return fmt.Sprintf("running, %d tab(s), focused=%s", len(c.pages), c.focused)
}

func (c *Controller) tabs() string {
	if len(c.order) == 0 {
		return "(no tabs)"
	}
	var b strings.Builder
	for _, id := range c.order {
		p := c.pages[id]
		info, err := p.Info()
		title, url := "?", "?"
		if err == nil {
			title, url = info.Title, info.URL
		}
		marker := " "
		if id == c.focused {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s  %q  %s\n", marker, id, title, url)
	}
	return b.String()
}

func (c *Controller) open(ctx context.Context, url string) (string, error) {
	if url == "" {
		url = "about:blank"
	}
	p, err := c.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", fmt.Errorf("open tab: %w", err)
	}
	if err := p.Context(ctx).WaitLoad(); err != nil {
		return "", fmt.Errorf("load %s: %w", url, err)
	}
	id := uuid.NewString()[:8]
	c.pages[id] = p
	c.order = append(c.order, id)
	c.focused = id
	return fmt.Sprintf("opened tab %s at %s", id, url), nil
}

func (c *Controller) closeTab(id string) (string, error) {
	if id == "" {
		id = c.focused
	}
	p, ok := c.pages[id]
	if !ok {
		return "", fmt.Errorf("no tab %q", id)
	}
	p.Close() //nolint:errcheck
	delete(c.pages, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.focused == id {
		c.focused = ""
		if len(c.order) > 0 {
			c.focused = c.order[len(c.order)-1]
		}
	}
	return fmt.Sprintf("closed tab %s", id), nil
}

func (c *Controller) focus(id string) (string, error) {
	if _, ok := c.pages[id]; !ok {
		return "", fmt.Errorf("no tab %q", id)
	}
	c.focused = id
	return fmt.Sprintf("focused tab %s", id), nil
}

func (c *Controller) navigate(ctx context.Context, params map[string]any) (string, error) {
	url := str(params, "url")
	if url == "" {
		return "", errors.New("url is required")
	}
	p, err := c.page(params)
	if err != nil {
		return "", err
	}
	p = p.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("load %s: %w", url, err)
	}
	return "navigated to " + url, nil
}

// snapshot returns the page's visible text, the cheap outline the model
// reads before deciding what to click.
func (c *Controller) snapshot(ctx context.Context, params map[string]any) (string, error) {
	p, err := c.page(params)
	if err != nil {
		return "", err
	}
	res, err := p.Context(ctx).Eval(`() => {
		const title = document.title;
		const url = location.href;
		const text = document.body ? document.body.innerText : "";
		return title + "\n" + url + "\n\n" + text;
	}`)
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	out := res.Value.Str()
	if len(out) > snapshotMaxChars {
		out = out[:snapshotMaxChars] + "\n... (truncated)"
	}
	return out, nil
}

func (c *Controller) screenshot(ctx context.Context, params map[string]any) (string, error) {
	p, err := c.page(params)
	if err != nil {
		return "", err
	}
	data, err := p.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return "", fmt.Errorf("screenshot: %w", err)
	}
	if err := os.MkdirAll(c.screenshotDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(c.screenshotDir, fmt.Sprintf("shot-%d.png", time.Now().UnixMilli()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return "screenshot saved to " + path, nil
}

func (c *Controller) press(ctx context.Context, params map[string]any) (string, error) {
	p, err := c.page(params)
	if err != nil {
		return "", err
	}
	key := str(params, "text")
	k, ok := keyByName[strings.ToLower(key)]
	if !ok {
		if len(key) == 1 {
			k = input.Key(key[0])
		} else {
			return "", fmt.Errorf("unknown key %q", key)
		}
	}
	if err := p.Context(ctx).Keyboard.Press(k); err != nil {
		return "", fmt.Errorf("press %s: %w", key, err)
	}
	return "pressed " + key, nil
}

var keyByName = map[string]input.Key{
	"enter":     input.Enter,
	"tab":       input.Tab,
	"escape":    input.Escape,
	"backspace": input.Backspace,
	"delete":    input.Delete,
	"arrowup":   input.ArrowUp,
	"arrowdown": input.ArrowDown,
	"arrowleft": input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"pageup":    input.PageUp,
	"pagedown":  input.PageDown,
	"home":      input.Home,
	"end":       input.End,
}

func (c *Controller) drag(ctx context.Context, params map[string]any) (string, error) {
	p, err := c.page(params)
	if err != nil {
		return "", err
	}
	p = p.Context(ctx)
	from, err := p.Element(str(params, "selector"))
	if err != nil {
		return "", fmt.Errorf("drag source: %w", err)
	}
	to, err := p.Element(str(params, "value"))
	if err != nil {
		return "", fmt.Errorf("drag target: %w", err)
	}
	fromShape, err := from.Shape()
	if err != nil {
		return "", err
	}
	toShape, err := to.Shape()
	if err != nil {
		return "", err
	}
	start := fromShape.OnePointInside()
	end := toShape.OnePointInside()
	if start == nil || end == nil {
		return "", errors.New("element not visible")
	}
	m := p.Mouse
	if err := m.MoveTo(*start); err != nil {
		return "", err
	}
	if err := m.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return "", err
	}
	if err := m.MoveLinear(*end, 10); err != nil {
		return "", err
	}
	if err := m.Up(proto.InputMouseButtonLeft, 1); err != nil {
		return "", err
	}
	return "dragged", nil
}

func (c *Controller) wait(ctx context.Context, params map[string]any) (string, error) {
	p, err := c.page(params)
	if err != nil {
		return "", err
	}
	sel := str(params, "selector")
	if sel == "" {
		return "", errors.New("selector is required")
	}
	if _, err := p.Context(ctx).Element(sel); err != nil {
		return "", fmt.Errorf("wait for %q: %w", sel, err)
	}
	return "element appeared: " + sel, nil
}

func (c *Controller) eval(ctx context.Context, params map[string]any) (string, error) {
	p, err := c.page(params)
	if err != nil {
		return "", err
	}
	js := str(params, "value")
	if js == "" {
		return "", errors.New("value (javascript) is required")
	}
	res, err := p.Context(ctx).Eval(js)
	if err != nil {
		return "", fmt.Errorf("eval: %w", err)
	}
	return res.Value.String(), nil
}

// dialog arms a one-shot handler for the next javascript dialog: value
// "accept" or "dismiss", text typed into prompts.
func (c *Controller) dialog(ctx context.Context, params map[string]any) (string, error) {
	p, err := c.page(params)
	if err != nil {
		return "", err
	}
	accept := str(params, "value") != "dismiss"
	text := str(params, "text")

	wait, handle := p.HandleDialog()
	go func() {
		wait()
		handle(&proto.PageHandleJavaScriptDialog{Accept: accept, PromptText: text}) //nolint:errcheck
	}()
	_ = ctx
	verb := "dismiss"
	if accept {
		verb = "accept"
	}
	return "armed dialog handler: " + verb, nil
}

func (c *Controller) withElement(ctx context.Context, params map[string]any, fn func(*rod.Element) error) (string, error) {
	p, err := c.page(params)
	if err != nil {
		return "", err
	}
	sel := str(params, "selector")
	if sel == "" {
		return "", errors.New("selector is required")
	}
	el, err := p.Context(ctx).Element(sel)
	if err != nil {
		return "", fmt.Errorf("element %q: %w", sel, err)
	}
	if err := fn(el); err != nil {
		return "", fmt.Errorf("element %q: %w", sel, err)
	}
	return "ok: " + sel, nil
}

// page resolves the tab a call targets: tab_id param, else the focused tab,
// opening a blank one when the browser has none.
func (c *Controller) page(params map[string]any) (*rod.Page, error) {
	if id := str(params, "tab_id"); id != "" {
		p, ok := c.pages[id]
		if !ok {
			return nil, fmt.Errorf("no tab %q", id)
		}
		return p, nil
	}
	if c.focused != "" {
		return c.pages[c.focused], nil
	}
	p, err := c.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	id := uuid.NewString()[:8]
	c.pages[id] = p
	c.order = append(c.order, id)
	c.focused = id
	return p, nil
}

func str(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}
