// Package locale resolves learner-facing text for a label and a language.
//
// Tables are embedded YAML files (locales/<tag>.yaml). Each file carries
// three maps:
//
//   - messages: printf-style sentences keyed by [Key]
//   - names: display names for shape and feature labels
//   - shapes: the introduction read after a shape is confirmed
//
// The English table is the base: it must define every [Key]. Other locales
// may omit message keys and inherit the English sentence. A shape missing from
// a locale's table gets that locale's generated default ("This is a cone.").
//
// Every lookup is total: unknown labels and unsupported languages never fail.
package locale

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"

	"github.com/shapetutor/shapetutor/pkg/provider/classifier"
)

// Locale is a supported base language.
type Locale string

const (
	English Locale = "en"
	Spanish Locale = "es"
	French  Locale = "fr"
)

// Base is the locale every other locale falls back to.
const Base = English

// Key names a sentence in the message tables.
type Key string

const (
	RotationStart        Key = "rotation.start"
	RotationConfirmed    Key = "rotation.confirmed"
	RotationNextStep     Key = "rotation.next_step"
	RotationInconclusive Key = "rotation.inconclusive"
	RotationNoObject     Key = "rotation.no_object"
	RotationNoSubject    Key = "rotation.no_subject"
	FeatureTouched       Key = "feature.touched"
	FeatureNext          Key = "feature.next"
	GuideGlove           Key = "guide.glove"
	ShapeDefault         Key = "shape.default"
)

// Keys lists every message key the base locale must define.
var Keys = []Key{
	RotationStart, RotationConfirmed, RotationNextStep, RotationInconclusive,
	RotationNoObject, RotationNoSubject, FeatureTouched, FeatureNext,
	GuideGlove, ShapeDefault,
}

type tableFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
	Names    map[string]string `yaml:"names"`
	Shapes   map[string]string `yaml:"shapes"`
}

type table struct {
	names   map[string]string
	shapes  map[string]string
	printer *message.Printer
}

// Resolver looks up localized text. It is immutable after construction and
// safe for concurrent use.
type Resolver struct {
	supported []Locale
	tags      []language.Tag
	matcher   language.Matcher
	tables    map[Locale]*table
}

//go:embed locales/*.yaml
var embedded embed.FS

var defaultResolver = mustLoadEmbedded()

// Default returns the resolver built from the embedded tables.
func Default() *Resolver { return defaultResolver }

func mustLoadEmbedded() *Resolver {
	r, err := Load(embedded)
	if err != nil {
		panic(err)
	}
	return r
}

// Load builds a resolver from every locales/*.yaml file in fsys.
func Load(fsys fs.FS) (*Resolver, error) {
	paths, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("locale: glob tables: %w", err)
	}
	if len(paths) == 0 {
		return nil, errors.New("locale: no tables found")
	}
	slices.Sort(paths)

	files := make(map[Locale]tableFile, len(paths))
	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("locale: read %s: %w", p, err)
		}
		var f tableFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("locale: parse %s: %w", p, err)
		}
		want := strings.TrimSuffix(path.Base(p), ".yaml")
		if f.Locale != want {
			return nil, fmt.Errorf("locale: %s: locale %q must match file name %q", p, f.Locale, want)
		}
		if _, err := language.Parse(f.Locale); err != nil {
			return nil, fmt.Errorf("locale: %s: %w", p, err)
		}
		files[Locale(f.Locale)] = f
	}

	base, ok := files[Base]
	if !ok {
		return nil, fmt.Errorf("locale: base locale %q is not defined", Base)
	}
	var missing []error
	for _, k := range Keys {
		if strings.TrimSpace(base.Messages[string(k)]) == "" {
			missing = append(missing, fmt.Errorf("locale: base locale is missing %q", k))
		}
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	r := &Resolver{tables: make(map[Locale]*table, len(files))}
	// The base locale goes first so the matcher falls back to it.
	r.supported = append(r.supported, Base)
	for l := range files {
		if l != Base {
			r.supported = append(r.supported, l)
		}
	}
	slices.Sort(r.supported[1:])

	b := catalog.NewBuilder(catalog.Fallback(language.Make(string(Base))))
	for _, l := range r.supported {
		f := files[l]
		tag := language.Make(string(l))
		r.tags = append(r.tags, tag)
		for _, k := range Keys {
			msg, ok := f.Messages[string(k)]
			if !ok || strings.TrimSpace(msg) == "" {
				msg = base.Messages[string(k)]
			}
			if err := b.SetString(tag, string(k), msg); err != nil {
				return nil, fmt.Errorf("locale: %s: set %q: %w", l, k, err)
			}
		}
		r.tables[l] = &table{
			names:  normalizeKeys(f.Names),
			shapes: normalizeKeys(f.Shapes),
		}
	}
	for i, l := range r.supported {
		r.tables[l].printer = message.NewPrinter(r.tags[i], message.Catalog(b))
	}
	r.matcher = language.NewMatcher(r.tags)
	return r, nil
}

func normalizeKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[classifier.NormalizeLabel(k)] = strings.TrimSpace(v)
	}
	return out
}

// Supported returns the locales with a table, base locale first.
func (r *Resolver) Supported() []Locale { return slices.Clone(r.supported) }

// Match maps a BCP-47 tag such as "es-419" onto a supported locale. Empty,
// malformed, and unsupported tags map to the base locale.
func (r *Resolver) Match(lang string) Locale {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return Base
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return Base
	}
	_, idx, conf := r.matcher.Match(tag)
	if conf == language.No {
		return Base
	}
	return r.supported[idx]
}

func (r *Resolver) table(lang string) *table {
	return r.tables[r.Match(lang)]
}

// Message formats the sentence k in lang with args.
func (r *Resolver) Message(lang string, k Key, args ...any) string {
	return r.table(lang).printer.Sprintf(string(k), args...)
}

// Name returns the display name of label in lang. Labels without a localized
// name are rendered with underscores replaced by spaces.
func (r *Resolver) Name(label, lang string) string {
	key := classifier.NormalizeLabel(label)
	if n, ok := r.table(lang).names[key]; ok && n != "" {
		return n
	}
	return classifier.DisplayName(key)
}

// Resolve returns the introduction for label in lang, or the localized
// "This is a {label}." when the locale has none.
func (r *Resolver) Resolve(label, lang string) string {
	t := r.table(lang)
	if intro, ok := t.shapes[classifier.NormalizeLabel(label)]; ok && intro != "" {
		return intro
	}
	return t.printer.Sprintf(string(ShapeDefault), r.Name(label, lang))
}
