package runner

import (
	"context"

	"healnerd/internal/browser"
	"healnerd/internal/config"
	"healnerd/internal/executor"

	"go.uber.org/zap"
)

// RodLauncher starts real Chrome sessions through the browser package.
type RodLauncher struct {
	Config config.BrowserConfig
	Logger *zap.Logger
}

func (l RodLauncher) Launch(ctx context.Context, sink browser.EngineSink) (Browser, error) {
	s := browser.NewSession(l.Config, sink, l.Logger)
	if err := s.Start(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return &rodBrowser{session: s}, nil
}

type rodBrowser struct {
	session *browser.Session
}

func (b *rodBrowser) OpenPage(ctx context.Context) (executor.Page, error) {
	p, err := b.session.OpenPage(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (b *rodBrowser) Close() error { return b.session.Close() }
