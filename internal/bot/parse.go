package bot

import (
	"errors"
	"strings"
	"time"

	"taskpilot/internal/model"
	"taskpilot/internal/schedule"
)

// parseAddArgs turns "/add" arguments into a task. The title is everything
// that is not a key:value option; options may appear anywhere:
//
//	p:high|medium|low   priority (default medium)
//	due:2026-03-09      due date
//	at:14:00            due time (only meaningful with due:)
//	dur:01:30           duration as HH:MM
func parseAddArgs(args string) (model.Task, error) {
	var (
		task  model.Task
		title []string
	)
	task.Priority = model.PriorityMedium

	for _, word := range strings.Fields(args) {
		key, val, found := strings.Cut(word, ":")
		if !found {
			title = append(title, word)
			continue
		}
		switch strings.ToLower(key) {
		case "p", "prio", "priority":
			task.Priority = model.ParsePriority(strings.ToLower(val))
		case "due":
			if _, err := time.Parse("2006-01-02", val); err != nil {
				return model.Task{}, errors.New("due date must look like due:2026-03-09")
			}
			task.DueDate = val
		case "at":
			if _, _, err := schedule.ParseHHMM(val); err != nil {
				return model.Task{}, errors.New("due time must look like at:14:00")
			}
			task.DueTime = val
		case "dur", "duration":
			if _, _, err := schedule.ParseHHMM(val); err != nil {
				return model.Task{}, errors.New("duration must look like dur:01:30")
			}
			task.Duration = val
		default:
			// "Deploy v2: final" style titles contain colons too.
			title = append(title, word)
		}
	}

	task.Title = strings.Join(title, " ")
	if task.Title == "" {
		return model.Task{}, errors.New("usage: /add <title> [p:high] [due:2026-03-09] [at:14:00] [dur:01:30]")
	}
	return task, nil
}
