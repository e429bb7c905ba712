// Package results holds the lab-result domain: FHIR Patient/Observation
// views, patient correlation, reference-range classification, and report
// rendering.
package results

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Patient is the slim view of a FHIR Patient resource the report needs.
type Patient struct {
	ID        string
	GivenName string
	Family    string
	BirthDate string
}

// DisplayName renders the patient name for report lines.
func (p *Patient) DisplayName() string {
	name := strings.TrimSpace(p.GivenName + " " + p.Family)
	if name == "" {
		return p.ID
	}
	return name
}

// fhirPatient mirrors the subset of the Patient resource we read.
type fhirPatient struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Name         []struct {
		Family string   `json:"family"`
		Given  []string `json:"given"`
	} `json:"name"`
	BirthDate string `json:"birthDate"`
}

// ParsePatient decodes one NDJSON Patient record.
func ParsePatient(raw json.RawMessage) (*Patient, error) {
	var fp fhirPatient
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, fmt.Errorf("decode patient: %w", err)
	}
	if fp.ResourceType != "Patient" {
		return nil, fmt.Errorf("expected Patient resource, got %q", fp.ResourceType)
	}
	if fp.ID == "" {
		return nil, fmt.Errorf("patient resource has no id")
	}

	p := &Patient{ID: fp.ID, BirthDate: fp.BirthDate}
	if len(fp.Name) > 0 {
		p.Family = fp.Name[0].Family
		p.GivenName = strings.Join(fp.Name[0].Given, " ")
	}
	return p, nil
}

// Observation is the slim view of a FHIR Observation resource. Value and
// range bounds are pointers: a measurement of exactly 0 is a legal value and
// must stay distinguishable from an absent one.
type Observation struct {
	ID        string
	SubjectID string
	Code      string
	Value     *float64
	Unit      string
	RangeLow  *float64
	RangeHigh *float64
	HasRange  bool
	Effective string
}

// fhirObservation mirrors the subset of the Observation resource we read.
type fhirObservation struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Subject      struct {
		Reference string `json:"reference"`
		Display   string `json:"display"`
	} `json:"subject"`
	Code struct {
		Text   string `json:"text"`
		Coding []struct {
			Display string `json:"display"`
			Code    string `json:"code"`
		} `json:"coding"`
	} `json:"code"`
	ValueQuantity *struct {
		Value *float64 `json:"value"`
		Unit  string   `json:"unit"`
	} `json:"valueQuantity"`
	ReferenceRange []struct {
		Low *struct {
			Value *float64 `json:"value"`
		} `json:"low"`
		High *struct {
			Value *float64 `json:"value"`
		} `json:"high"`
	} `json:"referenceRange"`
	EffectiveDateTime string `json:"effectiveDateTime"`
}

// ParseObservation decodes one NDJSON Observation record.
func ParseObservation(raw json.RawMessage) (*Observation, error) {
	var fo fhirObservation
	if err := json.Unmarshal(raw, &fo); err != nil {
		return nil, fmt.Errorf("decode observation: %w", err)
	}
	if fo.ResourceType != "Observation" {
		return nil, fmt.Errorf("expected Observation resource, got %q", fo.ResourceType)
	}

	obs := &Observation{
		ID:        fo.ID,
		SubjectID: SubjectID(fo.Subject.Reference),
		Code:      fo.Code.Text,
		Effective: fo.EffectiveDateTime,
	}
	if obs.Code == "" && len(fo.Code.Coding) > 0 {
		obs.Code = fo.Code.Coding[0].Display
		if obs.Code == "" {
			obs.Code = fo.Code.Coding[0].Code
		}
	}
	if fo.ValueQuantity != nil {
		obs.Value = fo.ValueQuantity.Value
		obs.Unit = fo.ValueQuantity.Unit
	}
	if len(fo.ReferenceRange) > 0 {
		obs.HasRange = true
		rr := fo.ReferenceRange[0]
		if rr.Low != nil {
			obs.RangeLow = rr.Low.Value
		}
		if rr.High != nil {
			obs.RangeHigh = rr.High.Value
		}
	}
	return obs, nil
}

// SubjectID extracts the patient id from a subject reference. Accepts the
// usual "Patient/{id}" relative form, an absolute URL ending in it, or a
// bare id.
func SubjectID(reference string) string {
	if reference == "" {
		return ""
	}
	if idx := strings.LastIndex(reference, "Patient/"); idx >= 0 {
		return reference[idx+len("Patient/"):]
	}
	if !strings.Contains(reference, "/") {
		return reference
	}
	return ""
}
