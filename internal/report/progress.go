package report

import (
	"fmt"
	"sort"
	"strings"
)

// BuildProgress summarizes task status and per-member contributions. A done
// task counts for its assignee, or for its creator when unassigned. Commits
// are attributed by author display name.
func BuildProgress(in Input) Progress {
	p := Progress{
		ProjectID:    in.ProjectID,
		Title:        in.Title,
		Description:  in.Description,
		TotalCommits: len(in.Commits),
		Members:      make([]MemberContribution, 0, len(in.Members)),
		GeneratedAt:  in.Now.UTC(),
	}

	completed := make(map[string]int)
	for _, t := range in.Tasks {
		switch t.Status {
		case "done":
			p.TasksDone++
			credited := t.AssigneeID
			if credited == "" {
				credited = t.OwnerID
			}
			completed[credited]++
		case "in_progress":
			p.TasksInProgress++
		default:
			p.TasksTodo++
		}
	}
	if total := len(in.Tasks); total > 0 {
		p.CompletionPercent = p.TasksDone * 100 / total
	}

	commits := make(map[string]int)
	for _, c := range in.Commits {
		commits[strings.ToLower(strings.TrimSpace(c.Author))]++
	}

	for _, m := range in.Members {
		p.Members = append(p.Members, MemberContribution{
			UserID:         m.UserID,
			Name:           m.Name,
			Email:          m.Email,
			Role:           m.Role,
			Commits:        commits[strings.ToLower(strings.TrimSpace(m.Name))],
			TasksCompleted: completed[m.UserID],
			Messages:       in.ChatCounts[m.UserID],
		})
	}
	return p
}

// Timeline merges commits, task updates and chat messages, newest first.
// limit <= 0 keeps everything.
func Timeline(in Input, limit int) []Activity {
	names := make(map[string]string, len(in.Members))
	for _, m := range in.Members {
		names[m.UserID] = m.Name
	}
	nameOf := func(userID string) string {
		if name, ok := names[userID]; ok && name != "" {
			return name
		}
		return "Unknown"
	}

	items := make([]Activity, 0, len(in.Commits)+len(in.Tasks)+len(in.Messages))
	for _, c := range in.Commits {
		items = append(items, Activity{Type: ActivityCommit, Actor: c.Author, Summary: c.Message, At: c.At})
	}
	for _, t := range in.Tasks {
		actor := t.OwnerID
		if t.AssigneeID != "" {
			actor = t.AssigneeID
		}
		items = append(items, Activity{
			Type:    ActivityTask,
			Actor:   nameOf(actor),
			Summary: fmt.Sprintf("%s (%s)", t.Title, strings.ReplaceAll(t.Status, "_", " ")),
			At:      t.UpdatedAt,
		})
	}
	for _, m := range in.Messages {
		actor := m.UserName
		if actor == "" {
			actor = nameOf(m.UserID)
		}
		items = append(items, Activity{Type: ActivityMessage, Actor: actor, Summary: excerpt(m.Text, 120), At: m.At})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].At.After(items[j].At) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func excerpt(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
