package persistence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// FormatSummary 產生積壓的摘要：總數、使用者分佈、最舊的請求
func FormatSummary(reqs []types.Request) string {
	if len(reqs) == 0 {
		return "Backlog is empty\n"
	}

	perUser := make(map[string]int)
	interrupted := 0
	oldest := reqs[0].EnqueuedAt
	for _, r := range reqs {
		perUser[r.UserKey]++
		if r.Attempt > 0 {
			interrupted++
		}
		if r.EnqueuedAt.Before(oldest) {
			oldest = r.EnqueuedAt
		}
	}

	users := make([]string, 0, len(perUser))
	for u := range perUser {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if perUser[users[i]] != perUser[users[j]] {
			return perUser[users[i]] > perUser[users[j]]
		}
		return users[i] < users[j]
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Backlog: %d pending request(s) from %d user(s)\n", len(reqs), len(users))
	fmt.Fprintf(&b, "Oldest:  %s\n", oldest.UTC().Format(time.RFC3339))
	if interrupted > 0 {
		fmt.Fprintf(&b, "Interrupted while running: %d\n", interrupted)
	}
	b.WriteString("Per user:\n")
	for _, u := range users {
		fmt.Fprintf(&b, "  %-24s %d\n", u, perUser[u])
	}
	return b.String()
}

// FormatDetailedList 逐筆列出積壓的請求（依入隊順序）
func FormatDetailedList(reqs []types.Request) string {
	if len(reqs) == 0 {
		return "Backlog is empty\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-4s %-36s %-20s %-8s %-7s %s\n", "#", "ID", "USER", "STATUS", "ATTEMPT", "ENQUEUED")
	for i, r := range reqs {
		fmt.Fprintf(&b, "%-4d %-36s %-20s %-8s %-7d %s\n",
			i+1, r.ID, truncate(r.UserKey, 20), r.Status, r.Attempt,
			r.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	}
	return b.String()
}

// truncate 以字元（rune）為單位截斷，不會切斷多位元組字元
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "~"
}
