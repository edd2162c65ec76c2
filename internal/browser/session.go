package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"healnerd/internal/config"
	"healnerd/internal/mangle"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EngineSink defines the minimal interface we need from the logic layer.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Session owns one Chrome instance and the single page a run drives.
type Session struct {
	cfg    config.BrowserConfig
	engine EngineSink
	logger *zap.Logger

	mu         sync.Mutex
	browser    *rod.Browser
	launch     *launcher.Launcher
	controlURL string
	page       *Page

	streamCancel context.CancelFunc
	stream       *errgroup.Group
}

func NewSession(cfg config.BrowserConfig, sink EngineSink, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{cfg: cfg, engine: sink, logger: logger}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		return nil
	}

	controlURL := s.cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(s.cfg.IsHeadless())
		if len(s.cfg.Launch) > 0 {
			l = l.Bin(s.cfg.Launch[0])
			for _, rawFlag := range s.cfg.Launch[1:] {
				flagStr := strings.TrimLeft(rawFlag, "-")
				name, val, hasVal := strings.Cut(flagStr, "=")
				if hasVal {
					l = l.Set(flags.Flag(name), val)
				} else {
					l = l.Set(flags.Flag(name))
				}
			}
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		s.launch = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if d := s.cfg.SlowMotionDelay(); d > 0 {
		b = b.SlowMotion(d)
	}
	if err := b.Connect(); err != nil {
		s.killLaunched()
		return fmt.Errorf("connect to chrome: %w", err)
	}

	s.browser = b
	s.controlURL = controlURL
	s.logger.Info("browser connected",
		zap.String("control_url", controlURL),
		zap.Bool("headless", s.cfg.IsHeadless()),
		zap.Duration("slow_motion", s.cfg.SlowMotionDelay()))
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (s *Session) ControlURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlURL
}

// OpenPage creates the run's page in a fresh incognito context, sizes the
// viewport and starts streaming console and navigation facts. A session
// holds at most one page.
func (s *Session) OpenPage(ctx context.Context) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser == nil {
		return nil, errors.New("browser not connected")
	}
	if s.page != nil {
		return s.page, nil
	}

	incognito, err := s.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	rp, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.GetViewportWidth(),
		Height:            s.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(rp); err != nil {
		s.logger.Warn("failed to set viewport", zap.Error(err))
	}

	s.page = newPage(rp, s.cfg, s.logger)
	s.startEventStream(ctx, rp)
	return s.page, nil
}

// startEventStream feeds console and navigation events into the fact engine
// until Close. Both listeners are supervised by one errgroup.
func (s *Session) startEventStream(ctx context.Context, page *rod.Page) {
	if s.engine == nil {
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(streamCtx)
	s.streamCancel = cancel
	s.stream = g

	errorsOnly := strings.ToLower(s.cfg.EventLoggingLevel) == "minimal"

	waitNav := page.Context(gctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		now := time.Now()
		if err := s.engine.AddFacts(gctx, []mangle.Fact{{
			Predicate: "navigation_event",
			Args:      []interface{}{ev.Frame.URL, now.UnixMilli()},
			Timestamp: now,
		}}); err != nil {
			s.logger.Debug("navigation fact error", zap.Error(err))
		}
	})

	waitConsole := page.Context(gctx).EachEvent(func(ev *proto.RuntimeConsoleAPICalled) {
		if errorsOnly && ev.Type != proto.RuntimeConsoleAPICalledTypeError && ev.Type != proto.RuntimeConsoleAPICalledTypeWarning {
			return
		}
		now := time.Now()
		if err := s.engine.AddFacts(gctx, []mangle.Fact{{
			Predicate: "console_event",
			Args:      []interface{}{string(ev.Type), stringifyConsoleArgs(ev.Args), now.UnixMilli()},
			Timestamp: now,
		}}); err != nil {
			s.logger.Debug("console fact error", zap.Error(err))
		}
	})

	g.Go(func() error { waitNav(); return nil })
	g.Go(func() error { waitConsole(); return nil })
}

// Close stops the event stream, closes the page and browser, and kills a
// browser this session launched.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streamCancel != nil {
		s.streamCancel()
		_ = s.stream.Wait()
		s.streamCancel = nil
		s.stream = nil
	}

	if s.page != nil {
		_ = s.page.page.Close()
		s.page = nil
	}

	var err error
	if s.browser != nil {
		err = s.browser.Close()
		s.browser = nil
	}
	s.killLaunched()
	s.controlURL = ""
	s.logger.Debug("browser shutdown complete")
	return err
}

func (s *Session) killLaunched() {
	if s.launch != nil {
		s.launch.Kill()
		s.launch.Cleanup()
		s.launch = nil
	}
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
