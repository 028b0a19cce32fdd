// Package browser drives a Chrome instance through rod to watch YouTube
// videos as a logged-out viewer and read back the recommendation sidebar.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bubbledrift/internal/types"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

const (
	consentSelector = `button[aria-label*="Accept the use of cookies"]`
	errorSelector   = "yt-player-error-message-renderer"
	titleSelector   = "h1.ytd-watch-metadata yt-formatted-string"

	playerTimeJS = `() => document.querySelector('video')?.currentTime ?? 0`
)

// Config holds browser configuration.
type Config struct {
	Bin               string // empty lets rod find or download a browser
	Headless          bool
	SessionDir        string // per-puppet profiles live under SessionDir/<id>
	ExtensionPath     string // unpacked ad-block extension, optional
	BaseURL           string
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	StallTimeout      time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		SessionDir:        filepath.Join("data", "session"),
		BaseURL:           "https://www.youtube.com",
		NavigationTimeout: 30 * time.Second,
		PollInterval:      time.Second,
		StallTimeout:      5 * time.Minute,
	}
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return time.Second
	}
	return c.PollInterval
}

func (c Config) navigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

// YouTubeSession owns one Chrome process with a persistent profile.
// It is used by a single puppet and is not safe for concurrent watches.
type YouTubeSession struct {
	cfg    Config
	id     string
	logger *zap.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// NewYouTubeSession creates a session for the given profile id. Call Open
// before use and Close on every exit path.
func NewYouTubeSession(cfg Config, id string, logger *zap.Logger) *YouTubeSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	return &YouTubeSession{cfg: cfg, id: id, logger: logger}
}

// OpenSession creates and opens a session, tearing it down if opening fails.
func OpenSession(ctx context.Context, cfg Config, id string, logger *zap.Logger) (*YouTubeSession, error) {
	s := NewYouTubeSession(cfg, id, logger)
	if err := s.Open(ctx); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

// ProfileDir returns the persistent user-data directory of this session.
func (s *YouTubeSession) ProfileDir() string {
	return filepath.Join(s.cfg.SessionDir, s.id)
}

// Open launches Chrome and loads the home page.
func (s *YouTubeSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		return nil
	}

	profile := s.ProfileDir()
	if err := os.MkdirAll(profile, 0755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	l := launcher.New().
		Context(ctx).
		Headless(s.cfg.Headless).
		UserDataDir(profile)
	if s.cfg.Bin != "" {
		l = l.Bin(s.cfg.Bin)
	}
	if s.cfg.ExtensionPath != "" {
		ext, err := filepath.Abs(s.cfg.ExtensionPath)
		if err != nil {
			return fmt.Errorf("resolve extension path: %w", err)
		}
		l = l.Set(flags.Flag("disable-extensions-except"), ext).
			Set(flags.Flag("load-extension"), ext)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("create page: %w", err)
	}

	if v, err := browser.Version(); err == nil {
		s.logger.Info("Initialising YouTube session", zap.String("chrome", v.Product), zap.String("profile", profile))
	}

	s.launcher = l
	s.browser = browser
	s.page = page

	if err := s.navigate(page.Context(ctx), s.cfg.BaseURL); err != nil {
		return fmt.Errorf("open home page: %w", err)
	}
	return nil
}

// Close tears down the page, browser and launcher. Safe to call twice.
func (s *YouTubeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
		s.page = nil
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		s.browser = nil
	}
	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher = nil
	}
	return errors.Join(errs...)
}

// ConsentCheck accepts the cookie prompt if it is showing.
func (s *YouTubeSession) ConsentCheck(ctx context.Context) error {
	page, err := s.activePage(ctx)
	if err != nil {
		return err
	}

	has, btn, err := page.Has(consentSelector)
	if err != nil {
		return fmt.Errorf("look up consent button: %w", err)
	}
	if !has {
		return nil
	}

	s.logger.Info("Accepting cookies")
	if err := btn.Focus(); err != nil {
		return fmt.Errorf("focus consent button: %w", err)
	}
	if err := page.Keyboard.Type(input.Enter); err != nil {
		return fmt.Errorf("press consent button: %w", err)
	}
	if err := sleep(ctx, time.Second); err != nil {
		return err
	}
	if err := page.Reload(); err != nil {
		return fmt.Errorf("reload after consent: %w", err)
	}
	return page.WaitLoad()
}

// Watch plays video for at least dwell of player time, then returns the
// watched video and the recommended ids shown next to it.
func (s *YouTubeSession) Watch(ctx context.Context, video types.Video, dwell time.Duration) (types.WatchResult, error) {
	page, err := s.activePage(ctx)
	if err != nil {
		return types.WatchResult{}, err
	}
	if err := s.navigate(page, s.WatchURL(video.ID)); err != nil {
		return types.WatchResult{}, err
	}

	if has, _, err := page.Has(errorSelector); err != nil {
		return types.WatchResult{}, fmt.Errorf("check player error: %w", err)
	} else if has {
		s.logger.Warn("Video is unavailable", zap.String("video", video.ID))
		return types.WatchResult{}, types.ErrVideoUnavailable
	}

	has, titleEl, err := page.Has(titleSelector)
	if err != nil {
		return types.WatchResult{}, fmt.Errorf("look up title: %w", err)
	}
	if !has {
		return types.WatchResult{}, types.ErrVideoUnavailable
	}
	title, err := titleEl.Attribute("title")
	if err != nil {
		return types.WatchResult{}, fmt.Errorf("read title: %w", err)
	}
	if title != nil && video.Title == "" {
		video.Title = *title
	}
	s.logger.Info("Playing video", zap.String("video", video.ID), zap.String("title", video.Title))

	if err := s.awaitPlayback(ctx, page, dwell); err != nil {
		return types.WatchResult{}, err
	}

	html, err := page.HTML()
	if err != nil {
		return types.WatchResult{}, fmt.Errorf("read page html: %w", err)
	}
	recs, err := ParseRecommendations(strings.NewReader(html))
	if err != nil {
		return types.WatchResult{}, err
	}
	return types.WatchResult{Video: video, Recommendations: recs}, nil
}

// WatchURL returns the watch page URL for id.
func (s *YouTubeSession) WatchURL(id string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/watch?v=" + url.QueryEscape(id)
}

// awaitPlayback polls the player clock until it passes dwell. A clock at
// zero gets the resume key. No progress for StallTimeout counts as an
// unavailable video.
func (s *YouTubeSession) awaitPlayback(ctx context.Context, page *rod.Page, dwell time.Duration) error {
	ticker := time.NewTicker(s.cfg.pollInterval())
	defer ticker.Stop()

	var last float64
	lastProgress := time.Now()
	for {
		res, err := page.Eval(playerTimeJS)
		if err != nil {
			return fmt.Errorf("read player time: %w", err)
		}
		played := res.Value.Num()
		s.logger.Debug("Playback time", zap.Float64("seconds", played))

		if played > dwell.Seconds() {
			return nil
		}
		if played == 0 {
			if err := page.Keyboard.Type(input.KeyK); err != nil {
				return fmt.Errorf("resume playback: %w", err)
			}
		}
		if played > last {
			last = played
			lastProgress = time.Now()
		} else if s.cfg.StallTimeout > 0 && time.Since(lastProgress) > s.cfg.StallTimeout {
			s.logger.Warn("Playback stalled", zap.Float64("seconds", played), zap.Duration("stall", s.cfg.StallTimeout))
			return fmt.Errorf("%w: playback stalled at %.1fs", types.ErrVideoUnavailable, played)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *YouTubeSession) navigate(page *rod.Page, target string) error {
	timed := page.Timeout(s.cfg.navigationTimeout())
	if err := timed.Navigate(target); err != nil {
		return fmt.Errorf("navigate %s: %w", target, err)
	}
	if err := timed.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", target, err)
	}
	return nil
}

// activePage returns the open page bound to ctx.
func (s *YouTubeSession) activePage(ctx context.Context) (*rod.Page, error) {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()
	if page == nil {
		return nil, errors.New("session not open")
	}
	return page.Context(ctx), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
