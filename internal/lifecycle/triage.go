package lifecycle

import (
	"strings"

	"qms/visit-service/internal/models"
)

type TriageConfig struct {
	UrgentSymptoms []string
}

// ClassifyPriority returns URGENT when any reported symptom equals a
// configured urgent symptom after lower-casing both sides. Surrounding
// whitespace is trimmed from both as well, so " Chest Pain " matches.
func ClassifyPriority(symptoms []string, cfg TriageConfig) models.Priority {
	if len(symptoms) == 0 || len(cfg.UrgentSymptoms) == 0 {
		return models.PriorityNormal
	}
	urgent := make(map[string]struct{}, len(cfg.UrgentSymptoms))
	for _, keyword := range cfg.UrgentSymptoms {
		urgent[normalizeSymptom(keyword)] = struct{}{}
	}
	for _, symptom := range symptoms {
		if _, ok := urgent[normalizeSymptom(symptom)]; ok {
			return models.PriorityUrgent
		}
	}
	return models.PriorityNormal
}

func normalizeSymptom(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
