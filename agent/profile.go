package agent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hupe1980/tailormesh/core"
)

// PatientProfile is the input of a formulation run.
type PatientProfile struct {
	SessionID          string  `json:"session_id" yaml:"session_id"`
	PatientName        string  `json:"patient_name,omitempty" yaml:"patient_name"`
	Age                int     `json:"age,omitempty" yaml:"age"`
	Sex                string  `json:"sex,omitempty" yaml:"sex"`
	Weight             float64 `json:"weight,omitempty" yaml:"weight"`
	HealthGoals        string  `json:"health_goals" yaml:"health_goals"`
	DietaryPreferences string  `json:"dietary_preferences,omitempty" yaml:"dietary_preferences"`
	MedicalConditions  string  `json:"medical_conditions,omitempty" yaml:"medical_conditions"`
	Medications        string  `json:"medications,omitempty" yaml:"medications"`
	AdditionalInfo     string  `json:"additional_info,omitempty" yaml:"additional_info"`
}

// Validate checks the required fields.
func (p PatientProfile) Validate() error {
	if strings.TrimSpace(p.HealthGoals) == "" {
		return fmt.Errorf("health goals are required: %w", core.ErrInvalidRequest)
	}
	if p.Age < 0 || p.Weight < 0 {
		return fmt.Errorf("age and weight must not be negative: %w", core.ErrInvalidRequest)
	}
	return nil
}

// Render formats the profile as the supplement specialist's input.
func (p PatientProfile) Render() string {
	var lines []string

	if p.PatientName != "" {
		lines = append(lines, "Patient: "+p.PatientName)
	}

	var demo []string
	if p.Age > 0 {
		demo = append(demo, fmt.Sprintf("%d years old", p.Age))
	}
	if p.Sex != "" {
		demo = append(demo, strings.ToLower(p.Sex))
	}
	if p.Weight > 0 {
		demo = append(demo, strconv.FormatFloat(p.Weight, 'f', -1, 64)+"kg")
	}
	if len(demo) > 0 {
		lines = append(lines, "Demographics: "+strings.Join(demo, ", "))
	}

	lines = append(lines, "Health Goals: "+p.HealthGoals)

	if p.DietaryPreferences != "" {
		lines = append(lines, "Dietary: "+p.DietaryPreferences)
	}
	if p.MedicalConditions != "" {
		lines = append(lines, "Medical Conditions: "+p.MedicalConditions)
	}
	if p.Medications != "" {
		lines = append(lines, "Current Medications: "+p.Medications)
	}
	if p.AdditionalInfo != "" {
		lines = append(lines, "Additional Info: "+p.AdditionalInfo)
	}

	return strings.Join(lines, "\n")
}
