package analysis

import (
	"sort"

	"github.com/ternarybob/phishwatch/internal/models"
)

// mergeStages namespaces every feature as "<stage>.<name>" and derives the
// record metadata. It returns the number of stages that succeeded.
func mergeStages(results map[string]models.StageResult) (models.FeatureMap, models.RecordMetadata, int) {
	merged := make(models.FeatureMap)
	var meta models.RecordMetadata
	succeeded := 0

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		res := results[name]
		if !res.Succeeded() {
			meta.FailedStages = append(meta.FailedStages, name)
			meta.Warnings = append(meta.Warnings, name+": "+res.Err)
			meta.PartialData = true
			continue
		}
		succeeded++
		for key, value := range res.Features {
			merged[name+"."+key] = value
		}
	}

	if !groupProduced(results, StageStatic, StageReputation) {
		meta.PartialData = true
		meta.Warnings = append(meta.Warnings, "independent stage group produced no features")
	}
	if _, configured := results[StageRendered]; configured && !groupProduced(results, StageRendered) {
		meta.PartialData = true
		meta.Warnings = append(meta.Warnings, "rendered stage group produced no features")
	}

	return merged, meta, succeeded
}

func groupProduced(results map[string]models.StageResult, stages ...string) bool {
	for _, name := range stages {
		if res, ok := results[name]; ok && res.Succeeded() && len(res.Features) > 0 {
			return true
		}
	}
	return false
}
