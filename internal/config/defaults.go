package config

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:                true,
		AutoApprove:            false,
		MaxConcurrentTasks:     2,
		ApprovalTimeoutMinutes: 30,
		IncludePatterns: []string{
			"**/*.go",
			"**/*.ts",
			"**/*.js",
			"**/*.py",
		},
		ExcludePatterns: []string{
			".git/**",
			"vendor/**",
			"node_modules/**",
			"**/*_test.go",
		},
		SafetyLevel: SafetyConservative,
		TaskTimeoutMinutes: map[string]int{
			"optimization":  10,
			"refactoring":   20,
			"documentation": 10,
			"testing":       15,
			"security":      15,
			"maintenance":   10,
		},
		MaxDetailViews:      5,
		AnalysisConcurrency: 4,
		TestDir:             "__tests__",
	}
}
