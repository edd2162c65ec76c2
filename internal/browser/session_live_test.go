package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"healnerd/internal/candidate"
	"healnerd/internal/config"
	"healnerd/internal/intent"
	"healnerd/internal/mangle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginHTML = `<!doctype html>
<html><body>
<h1>Welcome back</h1>
<form>
  <label for="email">Email address</label>
  <input id="email" placeholder="you@example.com">
  <button type="button" data-testid="sign-in" aria-label="Log In" onclick="console.error('clicked')">Sign In</button>
  <button type="button" style="display:none">Hidden</button>
</form>
</body></html>`

type memorySink struct {
	mu    sync.Mutex
	facts []mangle.Fact
}

func (s *memorySink) AddFacts(_ context.Context, facts []mangle.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, facts...)
	return nil
}

func (s *memorySink) count(predicate string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.facts {
		if f.Predicate == predicate {
			n++
		}
	}
	return n
}

// TestLiveSession drives a real Chrome. Opt in with LIVE_BROWSER_TESTS=1.
func TestLiveSession(t *testing.T) {
	if os.Getenv("LIVE_BROWSER_TESTS") == "" {
		t.Skip("set LIVE_BROWSER_TESTS=1 to run live browser tests")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(loginHTML))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	headless := true
	cfg := config.DefaultConfig().Browser
	cfg.Headless = &headless
	cfg.SlowMotion = "0s"
	cfg.EventLoggingLevel = "normal"

	sink := &memorySink{}
	session := NewSession(cfg, sink, nil)
	require.NoError(t, session.Start(ctx))
	defer session.Close()
	assert.NotEmpty(t, session.ControlURL())

	page, err := session.OpenPage(ctx)
	require.NoError(t, err)
	require.NoError(t, page.Navigate(ctx, srv.URL+"/login"))
	assert.Contains(t, page.URL(), "/login")

	probe := func(p intent.Probe) error {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err := page.Probe(pctx, p)
		return err
	}

	t.Run("Probes", func(t *testing.T) {
		assert.NoError(t, probe(intent.Probe{Strategy: intent.StrategyRoleName, Role: "button", Value: "Log In"}))
		assert.Error(t, probe(intent.Probe{Strategy: intent.StrategyRoleName, Role: "button", Value: "Sign In"}))
		assert.NoError(t, probe(intent.Probe{Strategy: intent.StrategyLabel, Value: "email"}))
		assert.NoError(t, probe(intent.Probe{Strategy: intent.StrategyText, Value: "sign in"}))
		assert.NoError(t, probe(intent.Probe{Strategy: intent.StrategyPlaceholder, Value: "you@example"}))
		assert.NoError(t, probe(intent.Probe{Strategy: intent.StrategyTestID, Value: "sign-in"}))
		assert.NoError(t, probe(intent.Probe{Strategy: intent.StrategySelector, Value: "#email"}))
		assert.NoError(t, probe(intent.Probe{Strategy: intent.StrategySelector, Value: "//button[@data-testid='sign-in']"}))
		assert.Error(t, probe(intent.Probe{Strategy: intent.StrategyText, Value: "Hidden"}))
	})

	t.Run("Actions", func(t *testing.T) {
		pctx, pcancel := context.WithTimeout(ctx, 2*time.Second)
		el, err := page.Probe(pctx, intent.Probe{Strategy: intent.StrategyPlaceholder, Value: "you@example"})
		pcancel()
		require.NoError(t, err)
		require.NoError(t, el.Fill(ctx, "qa@example.com"))

		pctx, pcancel = context.WithTimeout(ctx, 2*time.Second)
		btn, err := page.Probe(pctx, intent.Probe{Strategy: intent.StrategyTestID, Value: "sign-in"})
		pcancel()
		require.NoError(t, err)
		require.NoError(t, btn.Click(ctx))

		require.Eventually(t, func() bool { return sink.count("console_event") > 0 }, 5*time.Second, 50*time.Millisecond)
		assert.Positive(t, sink.count("navigation_event"))
	})

	t.Run("Snapshot", func(t *testing.T) {
		root, err := page.AXTree(ctx)
		require.NoError(t, err)
		cands := candidate.FilterByAction(candidate.Collect(root), "click")
		assert.Contains(t, cands, candidate.Candidate{Role: "button", Name: "Log In"})

		png, err := page.Screenshot(ctx)
		require.NoError(t, err)
		assert.Greater(t, len(png), 8)
		assert.Equal(t, "\x89PNG", string(png[:4]))
	})
}
