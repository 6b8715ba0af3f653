package ingest

import (
	"strings"

	"github.com/AngelCh415/adspend-attribution/internal/models"
)

// ClassifyInput is what a product rule can look at.
type ClassifyInput struct {
	PipelineID int64
	UTM        models.UTM
}

// ClassifyRule maps a matching input to a product. Rules run top-down.
type ClassifyRule struct {
	Name   string
	Match  func(in ClassifyInput) bool
	Result models.FunnelType
}

type Classifier struct {
	rules []ClassifyRule
}

// NewClassifier puts the pipeline rules first, then the campaign keyword rules.
func NewClassifier(byPipeline map[int64]models.FunnelType) *Classifier {
	c := &Classifier{}
	// one pipeline rule per product, in a fixed order
	for _, ft := range []models.FunnelType{models.FunnelChallenge3D, models.FunnelExpress, models.FunnelIntensive1D} {
		ids := map[int64]struct{}{}
		for id, f := range byPipeline {
			if f == ft {
				ids[id] = struct{}{}
			}
		}
		if len(ids) == 0 {
			continue
		}
		c.rules = append(c.rules, ClassifyRule{
			Name:   "pipeline:" + string(ft),
			Match:  func(in ClassifyInput) bool { _, ok := ids[in.PipelineID]; return ok },
			Result: ft,
		})
	}
	c.rules = append(c.rules,
		campaignRule(models.FunnelChallenge3D, "3d", "challenge", "трехдневник", "3дневник", "3х"),
		campaignRule(models.FunnelExpress, "express", "экспресс", "5000", "5k"),
		campaignRule(models.FunnelIntensive1D, "intensive", "интенсив", "1day"),
	)
	return c
}

func campaignRule(ft models.FunnelType, tokens ...string) ClassifyRule {
	return ClassifyRule{
		Name: "campaign:" + string(ft),
		Match: func(in ClassifyInput) bool {
			c := strings.ToLower(in.UTM.Campaign)
			if c == "" {
				return false
			}
			for _, t := range tokens {
				if strings.Contains(c, t) {
					return true
				}
			}
			return false
		},
		Result: ft,
	}
}

// Classify never drops a record: no match yields FunnelUnknown.
func (c *Classifier) Classify(pipelineID int64, utm models.UTM) models.FunnelType {
	in := ClassifyInput{PipelineID: pipelineID, UTM: utm}
	for _, r := range c.rules {
		if r.Match(in) {
			return r.Result
		}
	}
	return models.FunnelUnknown
}

// Rules exposes the evaluation order, mostly for diagnostics.
func (c *Classifier) Rules() []string {
	out := make([]string, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Name
	}
	return out
}
