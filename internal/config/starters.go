package config

// StarterRoles returns a small default role set generated into
// config.yaml only when no roles are configured, giving a first run
// something to claim tasks against immediately.
func StarterRoles() []RoleConfig {
	return []RoleConfig{
		{
			Name:            "coder",
			DisplayName:     "Coder",
			TaskPrefix:      "CD",
			Description:     "Implements and fixes code.",
			AcceptsTaskType: []string{"code"},
			ContextIncludes: []string{"parent_artifact"},
			RoutingMode:     "fixed",
			AutoScale:       AutoScaleConfig{Enabled: true, ScaleUpThreshold: 2, MaxInstances: 4, CooldownSeconds: 60, IdleThresholdSeconds: 300},
		},
		{
			Name:            "reviewer",
			DisplayName:     "Reviewer",
			TaskPrefix:      "RV",
			Description:     "Reviews completed work for correctness and style.",
			AcceptsTaskType: []string{"review"},
			ContextIncludes: []string{"parent_artifact"},
			RoutingMode:     "fixed",
			AutoScale:       AutoScaleConfig{Enabled: true, ScaleUpThreshold: 3, MaxInstances: 2, CooldownSeconds: 60, IdleThresholdSeconds: 300},
		},
		{
			Name:            "pm",
			DisplayName:     "Project Manager",
			TaskPrefix:      "PM",
			Description:     "Breaks goals into tasks and routes them to other roles.",
			AcceptsTaskType: []string{"planning"},
			RoutesTo:        []string{"coder", "reviewer"},
			RoutingMode:     "open",
			CanCreateGroups: true,
			AutoScale:       AutoScaleConfig{Enabled: false, MaxInstances: 1},
		},
	}
}
