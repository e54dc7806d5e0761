package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/engine"
	"github.com/hupe1980/tailormesh/internal/testutil"
	"github.com/hupe1980/tailormesh/model"
	"github.com/hupe1980/tailormesh/pipeline"
	"github.com/hupe1980/tailormesh/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const supplementAnswer = "For sleep and stress I selected three ingredients.\n\n```json\n" + `{
  "ingredients": [
    {"name": "Magnesium Glycinate", "dosage": 400, "unit": "mg", "rationale": "sleep", "estimated_cost": 42},
    {"name": "L-Theanine", "dosage": 200, "unit": "mg", "rationale": "stress", "estimated_cost": 38.5},
    {"name": "Creatine Monohydrate", "dosage": 5, "unit": "g", "rationale": "strength", "estimated_cost": null}
  ],
  "delivery_constraints": ["Creatine Monohydrate must be in a drink"],
  "total_estimated_cost": 145.5,
  "clinical_rationale": "Calming stack with strength support.",
  "safety_notes": "Take magnesium in the evening."
}` + "\n```\n"

const formulationAnswer = "Vegan shake chosen because of creatine.\n```json\n" + `{
  "base_mix": {"base_mix_id": 2, "base_mix_name": "Shake (Vegan)", "rationale": "vegan and liquid"},
  "add_mixes": [
    {"add_mix_type": "Protein", "add_mix_id": 201, "add_mix_name": "Pea Protein"},
    {"add_mix_type": "Flavour", "add_mix_id": 203, "add_mix_name": "Vanilla Ice Cream"}
  ],
  "ingredients": [],
  "delivery_format": "Shake",
  "user_instructions": "Mix with 300ml water once daily.",
  "formulation_rationale": "Liquid delivery required."
}` + "\n```"

func TestPatientProfile_Validate(t *testing.T) {
	assert.ErrorIs(t, PatientProfile{HealthGoals: "  "}.Validate(), core.ErrInvalidRequest)
	assert.ErrorIs(t, PatientProfile{HealthGoals: "sleep", Age: -1}.Validate(), core.ErrInvalidRequest)
	assert.NoError(t, PatientProfile{HealthGoals: "sleep"}.Validate())
}

func TestPatientProfile_Render(t *testing.T) {
	tests := []struct {
		name    string
		profile PatientProfile
		want    string
	}{
		{
			name: "full",
			profile: PatientProfile{
				PatientName: "Thandi", Age: 35, Sex: "Female", Weight: 70,
				HealthGoals: "Better sleep", DietaryPreferences: "vegan",
				MedicalConditions: "none", Medications: "sertraline", AdditionalInfo: "likes chocolate",
			},
			want: "Patient: Thandi\nDemographics: 35 years old, female, 70kg\nHealth Goals: Better sleep\nDietary: vegan\nMedical Conditions: none\nCurrent Medications: sertraline\nAdditional Info: likes chocolate",
		},
		{
			name:    "goals only",
			profile: PatientProfile{HealthGoals: "Energy"},
			want:    "Health Goals: Energy",
		},
		{
			name:    "fractional weight",
			profile: PatientProfile{Weight: 62.5, HealthGoals: "Energy"},
			want:    "Demographics: 62.5kg\nHealth Goals: Energy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.Render())
		})
	}
}

func TestParseSupplement(t *testing.T) {
	rec, err := ParseSupplement(supplementAnswer)
	require.NoError(t, err)

	require.Len(t, rec.Ingredients, 3)
	assert.Equal(t, "Magnesium Glycinate", rec.Ingredients[0].Name)
	assert.Equal(t, 400.0, rec.Ingredients[0].Dosage)
	require.NotNil(t, rec.Ingredients[1].EstimatedCost)
	assert.Equal(t, 38.5, *rec.Ingredients[1].EstimatedCost)
	assert.Nil(t, rec.Ingredients[2].EstimatedCost)
	assert.Equal(t, []string{"Creatine Monohydrate must be in a drink"}, rec.DeliveryConstraints)
	assert.Equal(t, 145.5, rec.TotalEstimatedCost)

	_, err = ParseSupplement("no json here")
	assert.ErrorIs(t, err, ErrNoStructuredOutput)

	_, err = ParseSupplement(`{"foo": 1}`)
	assert.ErrorIs(t, err, ErrNoStructuredOutput)
}

func TestParseSupplement_SumsMissingTotal(t *testing.T) {
	rec, err := ParseSupplement(`{"ingredients": [{"name": "a", "estimated_cost": "10.5"}, {"name": "b", "estimated_cost": 2}]}`)
	require.NoError(t, err)
	assert.Equal(t, 12.5, rec.TotalEstimatedCost)
}

func TestParseFormulation(t *testing.T) {
	cfg, err := ParseFormulation(formulationAnswer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cfg.BaseMix.BaseMixID)
	assert.Equal(t, "Shake (Vegan)", cfg.BaseMix.BaseMixName)
	assert.Len(t, cfg.AddMixes, 2)
	assert.Equal(t, "shake", cfg.DeliveryFormat)

	_, err = ParseFormulation(supplementAnswer)
	assert.ErrorIs(t, err, ErrNoStructuredOutput)
}

func TestSummaries(t *testing.T) {
	assert.Equal(t, "Selected 3 ingredients. Estimated cost: R145.50", SupplementSummary(supplementAnswer))
	assert.Equal(t, "Configured Shake (Vegan) with 2 customizations.", FormulationSummary(formulationAnswer))
	assert.Equal(t, "Plain answer.", SupplementSummary("Plain answer. Nothing structured."))
}

func TestFormulationInput(t *testing.T) {
	p := PatientProfile{HealthGoals: "sleep", DietaryPreferences: "vegan", AdditionalInfo: "likes vanilla"}
	input, err := FormulationInput(p)("profile text", []core.StageOutput{{Stage: StageSupplement, Output: supplementAnswer}})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(input, "profile text\n\n"+supplementAnswer))
	assert.Contains(t, input, "SELECTED INGREDIENTS:\n  - Magnesium Glycinate: 400mg\n  - L-Theanine: 200mg\n  - Creatine Monohydrate: 5g")
	assert.Contains(t, input, "\nDELIVERY CONSTRAINTS:\n  - Creatine Monohydrate must be in a drink")
	assert.True(t, strings.HasSuffix(input, "\nPATIENT PREFERENCES:\n  - Dietary: vegan\n  - Additional: likes vanilla"))
}

func TestFormulationBrief_WithoutRecommendation(t *testing.T) {
	assert.Equal(t, "PATIENT PREFERENCES:\n  - Dietary: keto", FormulationBrief(PatientProfile{DietaryPreferences: "keto"}, nil))
}

func TestAssemble(t *testing.T) {
	outputs := []core.StageOutput{
		{Stage: StageSupplement, Index: 0, Output: supplementAnswer},
		{Stage: StageFormulation, Index: 1, Output: formulationAnswer},
	}
	text, result := Assemble("profile", outputs)

	res, ok := result.(*FormulationResult)
	require.True(t, ok)
	assert.Equal(t, ResultSummary{TotalIngredients: 3, TotalCost: 145.5, BaseMix: "Shake (Vegan)", DeliveryFormat: "shake"}, res.Summary)
	assert.Contains(t, text, "**Magnesium Glycinate**: 400mg")
	assert.Contains(t, text, "R145.50")
	assert.Contains(t, text, "Shake (Vegan) (shake)")
	assert.Contains(t, text, "- Protein: Pea Protein")
	assert.Contains(t, text, "Take magnesium in the evening.")

	text, result = Assemble("profile", []core.StageOutput{{Stage: StageSupplement, Output: "free text"}})
	assert.Contains(t, text, "## "+StageSupplement)
	assert.Nil(t, result.(*FormulationResult).FormulationConfig)
}

func TestCatalog(t *testing.T) {
	c := DefaultCatalog()
	require.NotEmpty(t, c.Ingredients)
	assert.Equal(t, "Magnesium Glycinate", c.Ingredients[0].Name)
	assert.Equal(t, 42.0, c.Ingredients[0].PricePer30)

	assert.Contains(t, c.IngredientText(), "• Creatine Monohydrate (ID: 4)")
	assert.Contains(t, c.IngredientText(), "Dosage Range: 3 - 5 g (Max: 5 g)")
	assert.Contains(t, c.BaseMixText(), "BASE MIX (ID: 2): Shake (Vegan)")
	assert.Contains(t, c.BaseMixText(), "Add-Mix ID 102: Decadent Dark Chocolate [DEFAULT]")

	lower, err := ParseCatalog(
		[]byte(`[{"ingredientid": 9, "name": "X", "minimumrange": 1, "unitofmeasurename": "mg", "priceper30servings": "3.5"}]`),
		[]byte(`[]`),
	)
	require.NoError(t, err)
	assert.Equal(t, int64(9), lower.Ingredients[0].ID)
	assert.Equal(t, 3.5, lower.Ingredients[0].PricePer30)

	_, err = ParseCatalog([]byte(`{}`), []byte(`[]`))
	assert.Error(t, err)
}

func TestInstruction(t *testing.T) {
	static := NewInstructionFromText("Hello {{.Name}}").WithData(map[string]string{"Name": "world"})
	assert.True(t, static.IsStatic())
	text, err := static.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)

	dynamic := NewInstructionFromFunc(func() (string, error) { return "", errors.New("gone") })
	assert.False(t, dynamic.IsStatic())
	_, err = dynamic.Resolve()
	assert.EqualError(t, err, "gone")
}

func TestDefaultStages(t *testing.T) {
	stages := DefaultStages(PatientProfile{HealthGoals: "sleep"}, func(o *StageOptions) { o.Model = "gpt-5-mini" })
	require.Len(t, stages, 2)
	assert.Equal(t, StageSupplement, stages[0].Name)
	assert.Equal(t, "gpt-5-mini", stages[1].Model)

	text, err := stages[0].Instruction()
	require.NoError(t, err)
	assert.Contains(t, text, "INGREDIENTS DATABASE")
	assert.Contains(t, text, "```json")

	text, err = stages[1].Instruction()
	require.NoError(t, err)
	assert.Contains(t, text, "BASE MIX & CUSTOMIZATION OPTIONS")
}

func TestDefaultStages_EndToEnd(t *testing.T) {
	m := model.NewMockModel("gpt-5-mini", model.WithResponder(func(req model.Request) []string {
		if strings.Contains(req.Instructions, "formulation specialist") {
			return []string{formulationAnswer}
		}
		return []string{supplementAnswer}
	}))
	store := session.NewStore()
	d := engine.New(func(o *engine.Options) {
		o.Sessions = store
		o.Model = m
	})

	profile := PatientProfile{SessionID: "s1", HealthGoals: "sleep", DietaryPreferences: "vegan"}
	o := pipeline.New(DefaultStages(profile), func(o *pipeline.Options) {
		o.Executor = d
		o.Sessions = store
		o.Assemble = Assemble
	})

	_, ch, err := o.Start(context.Background(), "s1", profile.Render())
	require.NoError(t, err)
	events := testutil.Collect(t, ch)

	var summaries []string
	for _, ev := range events {
		if sc, ok := ev.(core.StageCompletedEvent); ok {
			summaries = append(summaries, sc.Summary)
		}
	}
	assert.Equal(t, []string{
		"Selected 3 ingredients. Estimated cost: R145.50",
		"Configured Shake (Vegan) with 2 customizations.",
	}, summaries)

	done := testutil.Last(events).(core.DoneEvent)
	res := done.Result.(*FormulationResult)
	assert.Equal(t, 3, res.Summary.TotalIngredients)

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Health Goals: sleep\nDietary: vegan", reqs[0].LastUserText())
	assert.Contains(t, reqs[1].LastUserText(), "PATIENT PREFERENCES:\n  - Dietary: vegan")
}
