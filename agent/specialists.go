package agent

import (
	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/pipeline"
)

// Stage names.
const (
	StageSupplement  = "Supplement Specialist"
	StageFormulation = "Formulation Specialist"
)

const jsonFence = "```json"

// SupplementInstructions is the supplement specialist's template. It renders
// against a *Catalog.
const SupplementInstructions = `You are a clinical supplement specialist with expertise in personalized nutrition.

{{.IngredientText}}
YOUR ROLE:
You analyze patient profiles and health goals to select optimal ingredients with appropriate dosages.

IMPORTANT CONSTRAINTS:
1. Some ingredients are ONLY AVAILABLE IN DRINKS (noted in overview)
2. Dosages must be within the minimum-maximum range for each ingredient
3. Consider cost - aim for balance between efficacy and affordability
4. Flag any potential medication interactions (if medications provided)
5. Note any ingredients that contain caffeine or are unsuitable for certain conditions

PATIENT PROFILE ANALYSIS:
- Consider age, weight, sex for dosage calculations
- Map health goals to nutrient needs
- Consider dietary preferences (vegan means no dairy or fish derived ingredients)
- Account for medical conditions and medications

Be precise with dosages. Start from the recommended value and adjust for weight, age and
how severe the stated goals are.

OUTPUT REQUIREMENTS:
Explain your selection briefly, then end your answer with a single ` + jsonFence + ` block:
{"ingredients": [{"name": "...", "dosage": 0, "unit": "mg", "rationale": "...", "estimated_cost": 0}],
 "delivery_constraints": ["..."], "total_estimated_cost": 0,
 "clinical_rationale": "...", "safety_notes": "..."}
`

// FormulationInstructions is the formulation specialist's template. It
// renders against a *Catalog.
const FormulationInstructions = `You are a formulation specialist expert in TailorBlend product configuration.

{{.BaseMixText}}
YOUR ROLE:
You receive a supplement recommendation (ingredients, dosages, constraints) and configure
the optimal base mix and add-mix options for delivery.

DECISION CRITERIA:
1. DELIVERY CONSTRAINTS (HIGHEST PRIORITY):
   - If ANY ingredient is ONLY AVAILABLE IN DRINKS, you MUST use a Shake or Drink base
   - Capsules cannot accommodate liquid-only ingredients
   - Large dosages (>5g total) are better suited to shakes and drinks
2. DIETARY PREFERENCES:
   - Vegan or vegetarian: Shake (Vegan)
   - Dairy-sensitive: Shake (Vegan) or Drink
   - No preference: Shake (Whey)
3. ADD-MIX SELECTION:
   - Protein matches the base type
   - Flavour follows stated preferences, otherwise the marked default
   - Sweetener defaults to the marked default unless a preference is stated

OUTPUT REQUIREMENTS:
Explain your configuration briefly, then end your answer with a single ` + jsonFence + ` block:
{"base_mix": {"base_mix_id": 0, "base_mix_name": "...", "rationale": "..."},
 "add_mixes": [{"add_mix_type": "...", "add_mix_id": 0, "add_mix_name": "..."}],
 "ingredients": [{"name": "...", "dosage": 0, "unit": "mg", "rationale": "..."}],
 "delivery_format": "shake|drink|capsule", "user_instructions": "...",
 "formulation_rationale": "..."}
`

// StageOptions configures DefaultStages.
type StageOptions struct {
	Catalog *Catalog

	// Model overrides the provider default for both stages.
	Model string

	Supplement  Instruction
	Formulation Instruction
}

// SupplementSpecialist returns the ingredient selection stage. Its input is
// the rendered patient profile.
func SupplementSpecialist(instr Instruction) pipeline.Stage {
	return pipeline.Stage{
		Name:        StageSupplement,
		Instruction: instr.Resolve,
		Input: func(initial string, _ []core.StageOutput) (string, error) {
			return initial, nil
		},
		Summarize: SupplementSummary,
	}
}

// FormulationSpecialist returns the delivery configuration stage for p.
func FormulationSpecialist(instr Instruction, p PatientProfile) pipeline.Stage {
	return pipeline.Stage{
		Name:        StageFormulation,
		Instruction: instr.Resolve,
		Input:       FormulationInput(p),
		Summarize:   FormulationSummary,
	}
}

// DefaultStages returns the two-stage formulation pipeline for p.
func DefaultStages(p PatientProfile, optFns ...func(o *StageOptions)) []pipeline.Stage {
	opts := StageOptions{
		Supplement:  NewInstructionFromText(SupplementInstructions),
		Formulation: NewInstructionFromText(FormulationInstructions),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}

	stages := []pipeline.Stage{
		SupplementSpecialist(opts.Supplement.WithData(opts.Catalog)),
		FormulationSpecialist(opts.Formulation.WithData(opts.Catalog), p),
	}
	for i := range stages {
		stages[i].Model = opts.Model
	}
	return stages
}
