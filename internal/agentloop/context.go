package agentloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/fleetboard/internal/store"
)

// buildPrompt assembles the deterministic prompt context of spec
// §4.5.3. Every optional section degrades gracefully: a missing
// parent, an unconfigured peer source, or a failing context provider
// never blocks assembly, it just omits that section.
func (l *Loop) buildPrompt(ctx context.Context, task *store.Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Instance: %s (role: %s)\n", l.InstanceID, l.Role.displayName())
	fmt.Fprintf(&b, "Task: %s — %s\n", task.ID, task.Title)
	fmt.Fprintf(&b, "Type: %s | Priority: %s | Group: %s\n", task.TaskType, task.Priority, task.GroupID)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n", task.Description)
	}

	if task.ParentID != "" && includesParentArtifact(l.Role.ContextIncludes) {
		if parent, err := l.board.GetTask(ctx, task.ParentID); err == nil {
			fmt.Fprintf(&b, "Parent task: %s — %s\n", parent.ID, parent.Title)
			if parent.OutputText != "" {
				fmt.Fprintf(&b, "Parent output:\n%s\n", parent.OutputText)
			}
		} else {
			l.logger.Warn("parent artifact lookup failed", "task_id", task.ID, "parent_id", task.ParentID, "error", err)
		}
	}

	if len(l.Role.RoutesTo) > 0 {
		b.WriteString("Routes to:\n")
		for _, r := range l.Role.RoutesTo {
			fmt.Fprintf(&b, "  - %s accepts: %s\n", r.Name, strings.Join(r.AcceptsTaskType, ", "))
		}
	}

	if l.Role.RoutingMode == "open" {
		peers, err := l.allPeerRoles()
		if err != nil {
			l.logger.Warn("open routing mode has no peer manifest source", "role", l.Role.Name, "error", err)
		} else {
			b.WriteString("All roles (open routing):\n")
			for _, p := range peers {
				fmt.Fprintf(&b, "  - %s (%s): accepts %s\n", p.Name, p.Description, strings.Join(p.AcceptsTaskType, ", "))
			}
		}
	}

	if l.contextRegistry != nil {
		for _, c := range l.contextRegistry.GatherAll(ctx, task.ID) {
			fmt.Fprintf(&b, "Context [%s]:\n%s\n", c.Provider, c.Value)
		}
	}

	return b.String()
}

func (r RoleConfig) displayName() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Name
}

func includesParentArtifact(includes []string) bool {
	for _, c := range includes {
		if c == "parent_artifact" {
			return true
		}
	}
	return false
}
