package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/language"
)

// Route names the providers used for one locale. Voices maps provider name
// to the voice id used on that provider.
type Route struct {
	Primary  string
	Fallback string
	Voices   map[string]string
}

// Router picks a primary provider per locale and falls back to a secondary
// when the primary fails.
type Router struct {
	providers map[string]Provider
	routes    []Route
	matcher   language.Matcher
	logger    *slog.Logger
}

// NewRouter builds a router. def is used for locales no route matches.
func NewRouter(providers []Provider, routes map[string]Route, def Route, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{providers: make(map[string]Provider, len(providers)), logger: logger}
	for _, p := range providers {
		if p == nil {
			continue
		}
		r.providers[p.Name()] = p
	}
	if len(r.providers) == 0 {
		return nil, errors.New("tts router: no providers configured")
	}

	tags := []language.Tag{language.Und}
	r.routes = []Route{def}
	for locale, route := range routes {
		tag, err := language.Parse(locale)
		if err != nil {
			return nil, fmt.Errorf("tts route %q: %w", locale, err)
		}
		tags = append(tags, tag)
		r.routes = append(r.routes, route)
	}
	for _, route := range r.routes {
		for _, name := range []string{route.Primary, route.Fallback} {
			if name == "" {
				continue
			}
			if _, ok := r.providers[name]; !ok {
				return nil, fmt.Errorf("tts route references unknown provider %q", name)
			}
		}
	}
	if r.routes[0].Primary == "" {
		for name := range r.providers {
			r.routes[0].Primary = name
			break
		}
	}
	r.matcher = language.NewMatcher(tags)
	return r, nil
}

// Resolve returns the route for a BCP 47 locale.
func (r *Router) Resolve(locale string) Route {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return r.routes[0]
	}
	_, idx, conf := r.matcher.Match(tag)
	if conf == language.No || idx < 0 || idx >= len(r.routes) {
		return r.routes[0]
	}
	return r.routes[idx]
}

// Synthesize runs the locale's primary provider, then its fallback. The
// error is returned only when every configured provider failed.
func (r *Router) Synthesize(ctx context.Context, locale, text string, opts SynthesizeOptions) (*Synthesis, error) {
	route := r.Resolve(locale)
	if opts.Language == "" {
		if tag, err := language.Parse(locale); err == nil {
			base, _ := tag.Base()
			opts.Language = base.String()
		}
	}

	var errs []error
	for i, name := range []string{route.Primary, route.Fallback} {
		if name == "" || (i == 1 && name == route.Primary) {
			continue
		}
		p, ok := r.providers[name]
		if !ok {
			continue
		}
		attempt := opts
		if v := route.Voices[name]; v != "" && (i == 1 || attempt.Voice == "") {
			attempt.Voice = v
		} else if i == 1 {
			attempt.Voice = ""
		}
		out, err := p.Synthesize(ctx, text, attempt)
		if err == nil {
			if out.Provider == "" {
				out.Provider = name
			}
			return out, nil
		}
		r.logger.Warn("tts provider failed", "provider", name, "locale", locale, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, errors.New("tts: no provider available")
	}
	return nil, errors.Join(errs...)
}

// ParseRoutes parses "en=cartesia>elevenlabs,ko=elevenlabs>cartesia".
func ParseRoutes(routes string) (map[string]Route, error) {
	out := map[string]Route{}
	for _, part := range strings.Split(routes, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		locale, chain, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(locale) == "" || strings.TrimSpace(chain) == "" {
			return nil, fmt.Errorf("invalid tts route %q", part)
		}
		names := strings.Split(chain, ">")
		route := Route{Primary: strings.TrimSpace(names[0])}
		if len(names) > 1 {
			route.Fallback = strings.TrimSpace(names[1])
		}
		if len(names) > 2 {
			return nil, fmt.Errorf("tts route %q: at most one fallback", part)
		}
		out[strings.TrimSpace(locale)] = route
	}
	return out, nil
}
