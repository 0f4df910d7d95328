package lifecycle

import (
	"sort"
	"time"

	"qms/visit-service/internal/models"
)

var stateWeight = map[models.State]int{
	models.StateCalled:         4,
	models.StateInConsultation: 3,
	models.StateUrgent:         2,
	models.StateWaiting:        1,
}

func priorityRank(priority models.Priority) int {
	if priority == models.PriorityUrgent {
		return 1
	}
	return 0
}

// SortVisits orders visits by state weight (desc), then URGENT before NORMAL,
// then arrival (createdAt asc). Visit id breaks exact ties so the order is
// deterministic.
func SortVisits(visits []models.Visit) {
	sort.SliceStable(visits, func(i, j int) bool {
		a, b := visits[i], visits[j]
		if wa, wb := stateWeight[a.State], stateWeight[b.State]; wa != wb {
			return wa > wb
		}
		if pa, pb := priorityRank(a.Priority), priorityRank(b.Priority); pa != pb {
			return pa > pb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// BuildSnapshot computes the ordered queue view for one department. The
// revision is the sum of visit versions, which grows by exactly one for every
// committed create or update in the department.
func BuildSnapshot(departmentID string, visits []models.Visit, now time.Time) models.QueueSnapshot {
	ordered := make([]models.Visit, len(visits))
	copy(ordered, visits)
	SortVisits(ordered)

	snapshot := models.QueueSnapshot{
		DepartmentID: departmentID,
		Serving:      []string{},
		Visits:       ordered,
		GeneratedAt:  now,
	}
	for _, visit := range ordered {
		snapshot.Revision += visit.Version
		if !visit.Active() {
			continue
		}
		if snapshot.NowServing == nil {
			token := visit.TokenNumber
			snapshot.NowServing = &token
		}
		snapshot.Serving = append(snapshot.Serving, visit.TokenNumber)
	}
	return snapshot
}
