package agent

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/internal/util"
	"github.com/hupe1980/tailormesh/pipeline"
)

// ErrNoStructuredOutput is returned when a stage answer carries no readable
// JSON block.
var ErrNoStructuredOutput = errors.New("no structured output")

// SelectedIngredient is one ingredient chosen by the supplement specialist.
type SelectedIngredient struct {
	Name          string   `json:"name"`
	Dosage        float64  `json:"dosage"`
	Unit          string   `json:"unit"`
	Rationale     string   `json:"rationale"`
	EstimatedCost *float64 `json:"estimated_cost"`
}

// SupplementRecommendation is the structured answer of the supplement stage.
type SupplementRecommendation struct {
	Ingredients         []SelectedIngredient `json:"ingredients"`
	DeliveryConstraints []string             `json:"delivery_constraints"`
	TotalEstimatedCost  float64              `json:"total_estimated_cost"`
	ClinicalRationale   string               `json:"clinical_rationale"`
	SafetyNotes         string               `json:"safety_notes,omitempty"`
}

// BaseMixConfig is the chosen base product.
type BaseMixConfig struct {
	BaseMixID   int64  `json:"base_mix_id"`
	BaseMixName string `json:"base_mix_name"`
	Rationale   string `json:"rationale"`
}

// AddMixConfig is one chosen customization.
type AddMixConfig struct {
	AddMixType string `json:"add_mix_type"`
	AddMixID   int64  `json:"add_mix_id"`
	AddMixName string `json:"add_mix_name"`
}

// FormulationConfig is the structured answer of the formulation stage.
type FormulationConfig struct {
	BaseMix              BaseMixConfig        `json:"base_mix"`
	AddMixes             []AddMixConfig       `json:"add_mixes"`
	Ingredients          []SelectedIngredient `json:"ingredients"`
	DeliveryFormat       string               `json:"delivery_format"`
	UserInstructions     string               `json:"user_instructions"`
	FormulationRationale string               `json:"formulation_rationale"`
}

// ResultSummary condenses a finished formulation.
type ResultSummary struct {
	TotalIngredients int     `json:"total_ingredients"`
	TotalCost        float64 `json:"total_cost"`
	BaseMix          string  `json:"base_mix"`
	DeliveryFormat   string  `json:"delivery_format"`
}

// FormulationResult is the structured result of a complete run. Either
// recommendation may be nil when its stage answer could not be parsed.
type FormulationResult struct {
	SupplementRecommendation *SupplementRecommendation `json:"supplement_recommendation"`
	FormulationConfig        *FormulationConfig        `json:"formulation_config"`
	Summary                  ResultSummary             `json:"summary"`
}

// ExtractJSON returns the last fenced JSON block of output, falling back to
// the outermost braces. It returns "" when nothing valid is found.
func ExtractJSON(output string) string {
	candidates := make([]string, 0, 2)

	if i := strings.LastIndex(output, "```json"); i >= 0 {
		body := output[i+len("```json"):]
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
		candidates = append(candidates, strings.TrimSpace(body))
	}
	if i, j := strings.Index(output, "{"), strings.LastIndex(output, "}"); i >= 0 && j > i {
		candidates = append(candidates, output[i:j+1])
	}

	for _, c := range candidates {
		if gjson.Valid(c) && gjson.Parse(c).IsObject() {
			return c
		}
	}
	return ""
}

// ParseSupplement extracts the supplement recommendation from a stage answer.
func ParseSupplement(output string) (SupplementRecommendation, error) {
	js := ExtractJSON(output)
	if js == "" {
		return SupplementRecommendation{}, ErrNoStructuredOutput
	}
	r := gjson.Parse(js)
	if !r.Get("ingredients").IsArray() {
		return SupplementRecommendation{}, fmt.Errorf("supplement answer has no ingredients: %w", ErrNoStructuredOutput)
	}

	rec := SupplementRecommendation{
		Ingredients:       parseIngredients(r.Get("ingredients")),
		ClinicalRationale: r.Get("clinical_rationale").String(),
		SafetyNotes:       r.Get("safety_notes").String(),
	}
	r.Get("delivery_constraints").ForEach(func(_, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" {
			rec.DeliveryConstraints = append(rec.DeliveryConstraints, s)
		}
		return true
	})

	if total := r.Get("total_estimated_cost"); total.Exists() {
		rec.TotalEstimatedCost = total.Float()
	} else {
		for _, ing := range rec.Ingredients {
			if ing.EstimatedCost != nil {
				rec.TotalEstimatedCost += *ing.EstimatedCost
			}
		}
	}
	return rec, nil
}

// ParseFormulation extracts the formulation config from a stage answer.
func ParseFormulation(output string) (FormulationConfig, error) {
	js := ExtractJSON(output)
	if js == "" {
		return FormulationConfig{}, ErrNoStructuredOutput
	}
	r := gjson.Parse(js)
	base := r.Get("base_mix")
	if !base.Get("base_mix_name").Exists() {
		return FormulationConfig{}, fmt.Errorf("formulation answer has no base mix: %w", ErrNoStructuredOutput)
	}

	cfg := FormulationConfig{
		BaseMix: BaseMixConfig{
			BaseMixID:   base.Get("base_mix_id").Int(),
			BaseMixName: base.Get("base_mix_name").String(),
			Rationale:   base.Get("rationale").String(),
		},
		Ingredients:          parseIngredients(r.Get("ingredients")),
		DeliveryFormat:       strings.ToLower(r.Get("delivery_format").String()),
		UserInstructions:     r.Get("user_instructions").String(),
		FormulationRationale: r.Get("formulation_rationale").String(),
	}
	r.Get("add_mixes").ForEach(func(_, v gjson.Result) bool {
		cfg.AddMixes = append(cfg.AddMixes, AddMixConfig{
			AddMixType: v.Get("add_mix_type").String(),
			AddMixID:   v.Get("add_mix_id").Int(),
			AddMixName: v.Get("add_mix_name").String(),
		})
		return true
	})
	return cfg, nil
}

func parseIngredients(arr gjson.Result) []SelectedIngredient {
	var out []SelectedIngredient
	arr.ForEach(func(_, v gjson.Result) bool {
		ing := SelectedIngredient{
			Name:      v.Get("name").String(),
			Dosage:    v.Get("dosage").Float(),
			Unit:      v.Get("unit").String(),
			Rationale: v.Get("rationale").String(),
		}
		if c := v.Get("estimated_cost"); c.Exists() && c.Type != gjson.Null {
			f := c.Float()
			ing.EstimatedCost = &f
		}
		out = append(out, ing)
		return true
	})
	return out
}

// SupplementSummary is the StageCompleted summary of the supplement stage.
func SupplementSummary(output string) string {
	rec, err := ParseSupplement(output)
	if err != nil {
		return pipeline.FirstSentence(output)
	}
	return fmt.Sprintf("Selected %d ingredients. Estimated cost: R%.2f", len(rec.Ingredients), rec.TotalEstimatedCost)
}

// FormulationSummary is the StageCompleted summary of the formulation stage.
func FormulationSummary(output string) string {
	cfg, err := ParseFormulation(output)
	if err != nil {
		return pipeline.FirstSentence(output)
	}
	return fmt.Sprintf("Configured %s with %d customizations.", cfg.BaseMix.BaseMixName, len(cfg.AddMixes))
}

// FormulationBrief lists the selected ingredients, delivery constraints and
// patient preferences for the formulation specialist. rec may be nil.
func FormulationBrief(p PatientProfile, rec *SupplementRecommendation) string {
	var lines []string
	if rec != nil {
		lines = append(lines, "SELECTED INGREDIENTS:")
		for _, ing := range rec.Ingredients {
			lines = append(lines, fmt.Sprintf("  - %s: %s%s", ing.Name, strconv.FormatFloat(ing.Dosage, 'f', -1, 64), ing.Unit))
		}
		if len(rec.DeliveryConstraints) > 0 {
			lines = append(lines, "\nDELIVERY CONSTRAINTS:")
			for _, c := range rec.DeliveryConstraints {
				lines = append(lines, "  - "+c)
			}
		}
		lines = append(lines, "\nPATIENT PREFERENCES:")
	} else {
		lines = append(lines, "PATIENT PREFERENCES:")
	}
	if p.DietaryPreferences != "" {
		lines = append(lines, "  - Dietary: "+p.DietaryPreferences)
	}
	if p.AdditionalInfo != "" {
		lines = append(lines, "  - Additional: "+p.AdditionalInfo)
	}
	return strings.Join(lines, "\n")
}

// FormulationInput builds the formulation stage input: the concatenated
// prior context followed by the structured brief.
func FormulationInput(p PatientProfile) func(initial string, prior []core.StageOutput) (string, error) {
	return func(initial string, prior []core.StageOutput) (string, error) {
		prefix, err := pipeline.DefaultInput(initial, prior)
		if err != nil {
			return "", err
		}
		var rec *SupplementRecommendation
		if n := len(prior); n > 0 {
			if r, err := ParseSupplement(prior[n-1].Output); err == nil {
				rec = &r
			}
		}
		return prefix + "\n\n" + FormulationBrief(p, rec), nil
	}
}

const resultTemplate = `# Your Personalised Formulation

## Selected Ingredients
{{range .SupplementRecommendation.Ingredients}}- **{{.Name}}**: {{printf "%g" .Dosage}}{{.Unit}}{{if .Rationale}} ({{.Rationale}}){{end}}
{{end}}
**Estimated cost:** {{zar .Summary.TotalCost}} per 30 servings
{{with .SupplementRecommendation.ClinicalRationale}}
{{.}}
{{end}}
## Delivery
**Base mix:** {{.FormulationConfig.BaseMix.BaseMixName}} ({{.Summary.DeliveryFormat}})
{{range .FormulationConfig.AddMixes}}- {{.AddMixType}}: {{.AddMixName}}
{{end}}{{with .FormulationConfig.UserInstructions}}
**How to take it:** {{.}}
{{end}}{{with .SupplementRecommendation.SafetyNotes}}
> **Safety:** {{.}}
{{end}}`

// Assemble combines the stage outputs into the final answer text and a
// *FormulationResult.
func Assemble(initial string, outputs []core.StageOutput) (string, any) {
	res := &FormulationResult{}
	for _, o := range outputs {
		switch o.Stage {
		case StageSupplement:
			if rec, err := ParseSupplement(o.Output); err == nil {
				res.SupplementRecommendation = &rec
				res.Summary.TotalIngredients = len(rec.Ingredients)
				res.Summary.TotalCost = rec.TotalEstimatedCost
			}
		case StageFormulation:
			if cfg, err := ParseFormulation(o.Output); err == nil {
				res.FormulationConfig = &cfg
				res.Summary.BaseMix = cfg.BaseMix.BaseMixName
				res.Summary.DeliveryFormat = cfg.DeliveryFormat
			}
		}
	}

	if res.SupplementRecommendation == nil || res.FormulationConfig == nil {
		text, _ := pipeline.DefaultAssemble(initial, outputs)
		return text, res
	}

	text, err := util.RenderTemplate(resultTemplate, res)
	if err != nil {
		text, _ = pipeline.DefaultAssemble(initial, outputs)
	}
	return text, res
}
