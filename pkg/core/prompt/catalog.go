// Package prompt assembles the layered instruction prompt for a
// conversation and caches it between turns.
package prompt

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"
)

//go:embed default_catalog.toml
var defaultCatalog []byte

// Entry is one locale's phrases and prompt fragments.
type Entry struct {
	Persona    string `toml:"persona"`
	Safety     string `toml:"safety"`
	Format     string `toml:"format"`
	Opening    string `toml:"opening"`
	DidntCatch string `toml:"didnt_catch"`
	Oops       string `toml:"oops"`
	Redirect   string `toml:"redirect"`
}

// Catalog holds default phrases plus per-locale overrides.
type Catalog struct {
	Default Entry            `toml:"default"`
	Locales map[string]Entry `toml:"locales"`

	tags    []language.Tag
	entries []Entry
	matcher language.Matcher
}

// LoadCatalog reads a TOML catalog from path, or the embedded default when
// path is empty. A file only needs the fields it overrides.
func LoadCatalog(path string) (*Catalog, error) {
	c, err := parseCatalog(defaultCatalog)
	if err != nil {
		return nil, fmt.Errorf("embedded catalog: %w", err)
	}
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	override, err := parseCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	c.Default = overlay(c.Default, override.Default)
	for locale, e := range override.Locales {
		c.Locales[locale] = overlay(c.Locales[locale], e)
	}
	c.index()
	return c, nil
}

func parseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	if c.Locales == nil {
		c.Locales = map[string]Entry{}
	}
	for locale := range c.Locales {
		if _, err := language.Parse(locale); err != nil {
			return nil, fmt.Errorf("locale %q: %w", locale, err)
		}
	}
	c.index()
	return &c, nil
}

func (c *Catalog) index() {
	c.tags = []language.Tag{language.Und}
	c.entries = []Entry{{}}
	for locale, e := range c.Locales {
		c.tags = append(c.tags, language.MustParse(locale))
		c.entries = append(c.entries, e)
	}
	c.matcher = language.NewMatcher(c.tags)
}

// For returns the entry for locale with defaults filled in.
func (c *Catalog) For(locale string) Entry {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return c.Default
	}
	_, idx, conf := c.matcher.Match(tag)
	if conf == language.No || idx <= 0 {
		return c.Default
	}
	return overlay(c.Default, c.entries[idx])
}

func overlay(base, top Entry) Entry {
	pick := func(a, b string) string {
		if strings.TrimSpace(b) != "" {
			return b
		}
		return a
	}
	return Entry{
		Persona:    pick(base.Persona, top.Persona),
		Safety:     pick(base.Safety, top.Safety),
		Format:     pick(base.Format, top.Format),
		Opening:    pick(base.Opening, top.Opening),
		DidntCatch: pick(base.DidntCatch, top.DidntCatch),
		Oops:       pick(base.Oops, top.Oops),
		Redirect:   pick(base.Redirect, top.Redirect),
	}
}
