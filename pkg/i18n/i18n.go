package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"strings"
	"sync"
)

//go:embed messages/*.json
var messagesFS embed.FS

// Supported locales
const (
	LocaleEnglish = "en"
	LocaleGerman  = "de"
	DefaultLocale = LocaleEnglish
)

type localeKey struct{}

var (
	catalogs     map[string]map[string]interface{}
	catalogsOnce sync.Once
)

func loadCatalogs() {
	catalogsOnce.Do(func() {
		catalogs = make(map[string]map[string]interface{})

		for _, locale := range []string{LocaleEnglish, LocaleGerman} {
			data, err := messagesFS.ReadFile("messages/" + locale + ".json")
			if err != nil {
				continue
			}

			var tree map[string]interface{}
			if err := json.Unmarshal(data, &tree); err != nil {
				continue
			}
			catalogs[locale] = tree
		}
	})
}

// Localizer resolves dot-notation message keys for one locale, falling back
// to English for keys the locale does not define.
type Localizer struct {
	locale string
}

// NewLocalizer creates a new localizer for the given locale
func NewLocalizer(locale string) *Localizer {
	loadCatalogs()

	if locale != LocaleEnglish && locale != LocaleGerman {
		locale = DefaultLocale
	}
	return &Localizer{locale: locale}
}

// LocalizerFromContext creates a localizer from context
func LocalizerFromContext(ctx context.Context) *Localizer {
	return NewLocalizer(GetLocaleFromContext(ctx))
}

// T translates a message key, substituting {name} placeholders from params.
// Unknown keys are returned verbatim.
func (l *Localizer) T(key string, params ...map[string]string) string {
	msg := lookup(key, l.locale)
	if msg == "" {
		msg = lookup(key, DefaultLocale)
	}
	if msg == "" {
		return key
	}

	if len(params) > 0 {
		for k, v := range params[0] {
			msg = strings.ReplaceAll(msg, "{"+k+"}", v)
		}
	}
	return msg
}

// Has reports whether key resolves in this locale or the default one.
func (l *Localizer) Has(key string) bool {
	return lookup(key, l.locale) != "" || lookup(key, DefaultLocale) != ""
}

// Locale returns the locale this localizer resolves against
func (l *Localizer) Locale() string {
	return l.locale
}

func lookup(key, locale string) string {
	loadCatalogs()

	node, ok := catalogs[locale]
	if !ok {
		return ""
	}

	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		nested, ok := node[part].(map[string]interface{})
		if !ok {
			return ""
		}
		node = nested
	}

	str, _ := node[parts[len(parts)-1]].(string)
	return str
}

// WithLocale adds locale to context
func WithLocale(ctx context.Context, locale string) context.Context {
	return context.WithValue(ctx, localeKey{}, locale)
}

// GetLocaleFromContext retrieves locale from context
func GetLocaleFromContext(ctx context.Context) string {
	if locale, ok := ctx.Value(localeKey{}).(string); ok && locale != "" {
		return locale
	}
	return DefaultLocale
}

// ParseAcceptLanguage returns the best supported locale for an Accept-Language header
func ParseAcceptLanguage(header string) string {
	if strings.Contains(strings.ToLower(header), "de") {
		return LocaleGerman
	}
	return DefaultLocale
}

// T translates using the default locale
func T(key string, params ...map[string]string) string {
	return NewLocalizer(DefaultLocale).T(key, params...)
}

