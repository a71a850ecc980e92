package targets

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed countries.yaml
var countriesYAML []byte

// SupportedLanguages maps the ISO 639-2 codes found in the country table to
// the ISO 639-1 codes the search backend accepts in "lang:" filters.
var SupportedLanguages = map[string]string{
	"eng": "en",
	"spa": "es",
	"fre": "fr",
	"fra": "fr",
	"ger": "de",
	"deu": "de",
	"por": "pt",
	"ita": "it",
}

type Country struct {
	CCA2      string    `yaml:"cca2"`
	Name      string    `yaml:"name"`
	Region    string    `yaml:"region"`
	Languages []string  `yaml:"languages"`
	LatLng    []float64 `yaml:"latlng"`
	Radius    int       `yaml:"radius"`
}

// Geocode renders the "lat,lon,radius" search filter for the country.
func (c Country) Geocode() string {
	if len(c.LatLng) != 2 {
		return ""
	}
	radius := c.Radius
	if radius <= 0 {
		radius = 1000
	}
	return fmt.Sprintf("%s,%s,%dkm",
		strconv.FormatFloat(c.LatLng[0], 'f', -1, 64),
		strconv.FormatFloat(c.LatLng[1], 'f', -1, 64),
		radius)
}

// SearchLanguages returns the distinct supported language codes of the
// country, in table order.
func (c Country) SearchLanguages() []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range c.Languages {
		code, ok := SupportedLanguages[strings.ToLower(l)]
		if !ok || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}

type CountryTable struct {
	byCode map[string]Country
}

type countryFile struct {
	Countries []Country `yaml:"countries"`
}

func ParseCountries(data []byte) (*CountryTable, error) {
	var f countryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing country table: %w", err)
	}
	t := &CountryTable{byCode: make(map[string]Country, len(f.Countries))}
	for _, c := range f.Countries {
		t.byCode[strings.ToUpper(c.CCA2)] = c
	}
	return t, nil
}

func (t *CountryTable) Lookup(code string) (Country, bool) {
	c, ok := t.byCode[strings.ToUpper(strings.TrimSpace(code))]
	return c, ok
}

func (t *CountryTable) Len() int {
	return len(t.byCode)
}

var (
	defaultCountries     *CountryTable
	defaultCountriesOnce sync.Once
)

// DefaultCountries returns the embedded country table.
func DefaultCountries() *CountryTable {
	defaultCountriesOnce.Do(func() {
		t, err := ParseCountries(countriesYAML)
		if err != nil {
			panic(err)
		}
		defaultCountries = t
	})
	return defaultCountries
}
