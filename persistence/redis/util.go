package redis

import (
	"sort"

	"github.com/mohitkumar/flowsync/model"
)

func sortByStart(execs []model.WorkflowExecution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].Id < execs[j].Id
		}
		return execs[i].StartedAt.Before(execs[j].StartedAt)
	})
}
