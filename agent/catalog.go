package agent

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

//go:embed catalog/*.json
var catalogFS embed.FS

// Ingredient is one orderable supplement ingredient.
type Ingredient struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Minimum     float64 `json:"minimum"`
	Recommended float64 `json:"recommended"`
	Maximum     float64 `json:"maximum"`
	Unit        string  `json:"unit"`
	PricePer30  float64 `json:"price_per_30"`
	Overview    string  `json:"overview,omitempty"`
}

// AddMixOption is a customization offered for a base mix.
type AddMixOption struct {
	BaseMixID   int64  `json:"base_mix_id"`
	BaseMixName string `json:"base_mix_name"`
	Type        string `json:"type"`
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Default     bool   `json:"default"`
}

// Catalog is the product data the specialists choose from.
type Catalog struct {
	Ingredients []Ingredient
	AddMixes    []AddMixOption
}

// DefaultCatalog returns the built-in catalog. The value is shared and must
// not be modified.
func DefaultCatalog() *Catalog { return defaultCatalog() }

var defaultCatalog = sync.OnceValue(func() *Catalog {
	ing, err := catalogFS.ReadFile("catalog/ingredients.json")
	if err != nil {
		panic(err)
	}
	mixes, err := catalogFS.ReadFile("catalog/base_mixes.json")
	if err != nil {
		panic(err)
	}
	c, err := ParseCatalog(ing, mixes)
	if err != nil {
		panic(err)
	}
	return c
})

// LoadCatalog reads ingredients.json and base_mixes.json from dir.
func LoadCatalog(dir string) (*Catalog, error) {
	ing, err := os.ReadFile(filepath.Join(dir, "ingredients.json"))
	if err != nil {
		return nil, fmt.Errorf("read ingredients: %w", err)
	}
	mixes, err := os.ReadFile(filepath.Join(dir, "base_mixes.json"))
	if err != nil {
		return nil, fmt.Errorf("read base mixes: %w", err)
	}
	return ParseCatalog(ing, mixes)
}

// ParseCatalog decodes the ingredient and base mix exports. Both camelCase
// and all-lowercase key spellings are accepted.
func ParseCatalog(ingredients, baseMixes []byte) (*Catalog, error) {
	if !gjson.ValidBytes(ingredients) || !gjson.ParseBytes(ingredients).IsArray() {
		return nil, fmt.Errorf("ingredients: expected a JSON array")
	}
	if !gjson.ValidBytes(baseMixes) || !gjson.ParseBytes(baseMixes).IsArray() {
		return nil, fmt.Errorf("base mixes: expected a JSON array")
	}

	c := &Catalog{}
	gjson.ParseBytes(ingredients).ForEach(func(_, v gjson.Result) bool {
		c.Ingredients = append(c.Ingredients, Ingredient{
			ID:          field(v, "ingredientId", "ingredientid").Int(),
			Name:        field(v, "name").String(),
			Minimum:     field(v, "minimumRange", "minimumrange").Float(),
			Recommended: field(v, "reccomendedRange", "reccomendedrange", "recommendedRange").Float(),
			Maximum:     field(v, "customerMaxRange", "customermaxrange").Float(),
			Unit:        orDefault(field(v, "unitOfMeasureName", "unitofmeasurename").String(), "units"),
			PricePer30:  field(v, "pricePer30Servings", "priceper30servings").Float(),
			Overview:    field(v, "overview").String(),
		})
		return true
	})
	gjson.ParseBytes(baseMixes).ForEach(func(_, v gjson.Result) bool {
		c.AddMixes = append(c.AddMixes, AddMixOption{
			BaseMixID:   field(v, "baseMixId", "basemixid").Int(),
			BaseMixName: field(v, "baseMixName", "basemixname").String(),
			Type:        field(v, "addMixTypeName", "addmixtypename").String(),
			ID:          field(v, "addMixId", "addmixid").Int(),
			Name:        field(v, "addMixName", "addmixname").String(),
			Default:     field(v, "defaultFlag", "defaultflag").Bool(),
		})
		return true
	})
	return c, nil
}

// IngredientText renders the ingredient list for an instruction prompt.
func (c *Catalog) IngredientText() string {
	var b strings.Builder
	rule := strings.Repeat("=", 80)
	fmt.Fprintf(&b, "%s\nINGREDIENTS DATABASE (%d Available Ingredients)\n%s\n\n", rule, len(c.Ingredients), rule)
	for _, ing := range c.Ingredients {
		fmt.Fprintf(&b, "• %s (ID: %d)\n", ing.Name, ing.ID)
		fmt.Fprintf(&b, "  Dosage Range: %g - %g %s (Max: %g %s)\n", ing.Minimum, ing.Recommended, ing.Unit, ing.Maximum, ing.Unit)
		fmt.Fprintf(&b, "  Cost: R%.2f per 30 servings\n", ing.PricePer30)
		if ing.Overview != "" {
			fmt.Fprintf(&b, "  Notes: %s\n", ing.Overview)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// BaseMixText renders the base mixes and their options grouped by type.
func (c *Catalog) BaseMixText() string {
	type group struct {
		name    string
		options map[string][]AddMixOption
	}
	groups := map[int64]*group{}
	for _, m := range c.AddMixes {
		g, ok := groups[m.BaseMixID]
		if !ok {
			g = &group{name: m.BaseMixName, options: map[string][]AddMixOption{}}
			groups[m.BaseMixID] = g
		}
		g.options[m.Type] = append(g.options[m.Type], m)
	}

	ids := make([]int64, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	rule := strings.Repeat("=", 80)
	stars := strings.Repeat("*", 80)
	fmt.Fprintf(&b, "%s\nBASE MIX & CUSTOMIZATION OPTIONS (%d Base Types, %d Options)\n%s\n", rule, len(groups), len(c.AddMixes), rule)
	for _, id := range ids {
		g := groups[id]
		fmt.Fprintf(&b, "\n%s\nBASE MIX (ID: %d): %s\n%s\n", stars, id, g.name, stars)

		types := make([]string, 0, len(g.options))
		for t := range g.options {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(&b, "\n  %s Options:\n", t)
			for _, o := range g.options[t] {
				marker := ""
				if o.Default {
					marker = " [DEFAULT]"
				}
				fmt.Fprintf(&b, "    - Add-Mix ID %d: %s%s\n", o.ID, o.Name, marker)
			}
		}
	}
	return b.String()
}

func field(v gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
