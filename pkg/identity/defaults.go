package identity

// DefaultRegistry returns the built-in worker directory used by the CLI when
// no external directory is configured. The alias table carries identifiers
// from earlier deployments that operators still have in mission specs.
func DefaultRegistry() *Registry {
	entries := []Entry{
		{ID: "mission-control", Tier: TierOrchestrator, Directory: "platform"},
		{ID: "ops-console", Tier: TierUI, Directory: "platform"},
		{ID: "code-review", Tier: TierSpecialist, Directory: "engineering"},
		{ID: "test-runner", Tier: TierSpecialist, Directory: "engineering"},
		{ID: "release-eng", Tier: TierSpecialist, Directory: "engineering"},
		{ID: "iam-compliance", Tier: TierSpecialist, Directory: "security"},
		{ID: "data-steward", Tier: TierSpecialist, Directory: "data"},
		{ID: "finops-analyst", Tier: TierSpecialist, Directory: "finance"},
	}
	aliases := map[string]CanonicalID{
		"reviewer":   "code-review",
		"tester":     "test-runner",
		"qa":         "test-runner",
		"releaser":   "release-eng",
		"compliance": "iam-compliance",
		"console":    "ops-console",
		"control":    "mission-control",
	}
	r, err := NewRegistry(entries, aliases)
	if err != nil {
		// The built-in table is static; a construction failure is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return r
}
